/*
Package batcher assembles queue records into size- and age-bounded batches
and meters them through a token bucket before handing them to the sink. A
batch ships when it is full or when its oldest record has waited the flush
interval, whichever comes first, so low-rate sources still see bounded
latency.
*/
package batcher
