/*
Package sink delivers record batches to the cloud ingestion service over a
gRPC stream. Delivery is guarded three ways: OAuth2 client-credential tokens
refreshed before expiry, capped exponential retry for transient failures,
and a circuit breaker that stops hammering a down service.

Failure routing is strict: transiently undeliverable batches divert to the
disk spool so nothing is lost while the service recovers, and permanently
rejected batches go to the dead-letter area with the rejection reason.
*/
package sink
