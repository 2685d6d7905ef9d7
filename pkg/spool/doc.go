/*
Package spool implements the encrypted on-disk overflow area that backs the
in-memory queue. Records diverted from the queue are appended to per-source
segment files as length-framed, AES-256-GCM sealed JSON envelopes. A drainer
task reads segments back when the queue has headroom; segment files are
deleted only after the sink has acknowledged every record they contain, so
the spool never loses data that was accepted for delivery.

The spool also owns the dead-letter area: records the ingestion service
rejects permanently are appended to a parallel segment tree that is never
drained, preserving them for operator inspection.
*/
package spool
