/*
Package bridge is the connector's supervisor. It wires the pipeline together
(protocol clients, queue, spool, batcher, sink), owns the source lifecycle
the management API drives, and sequences the two-stage shutdown: stop
producing first, then drain what is already buffered.
*/
package bridge
