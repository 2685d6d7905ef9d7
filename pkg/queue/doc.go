/*
Package queue implements the bounded backpressure FIFO at the center of the
ingestion pipeline.

Protocol clients offer records without blocking; the batcher takes them with
a timeout. When the queue reaches its high watermark and a spool is attached,
new records divert to disk instead of being dropped. At capacity without a
spool, the configured drop policy decides: drop_newest refuses the offered
record, drop_oldest evicts the head.

Ordering: per-source FIFO order is preserved for every record that survives;
PushFront lets the spool drainer reinject recovered records ahead of fresh
production.
*/
package queue
