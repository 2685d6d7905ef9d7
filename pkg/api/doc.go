/*
Package api serves the connector's management plane: source lifecycle,
status and counters, sink diagnostics, and the Prometheus scrape endpoint.
The API binds to the DMZ-internal interface only; it carries no record data.
*/
package api
