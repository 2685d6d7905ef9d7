/*
Package storage provides BoltDB-backed persistence for the connector's small
amount of durable state: the management-plane source registry and the spool
acknowledgement ledger.

Record data itself never lives here; that is the spool's job. The store only
remembers which sources an operator added at runtime and how far the sink has
acknowledged into each spool segment, so a crash between acknowledgement and
segment deletion cannot resurrect already-delivered records.
*/
package storage
