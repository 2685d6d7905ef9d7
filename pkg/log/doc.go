/*
Package log provides structured logging for Fieldbridge using zerolog.

A single global logger is initialized once at process start via Init and
shared by all components. Child loggers scoped to a component or source are
created with WithComponent, WithSource, and WithProtocol so every log line
carries enough context to attribute it to a pipeline stage or field endpoint.

Output is JSON in production and a human-readable console format during
development, selected by Config.JSONOutput.
*/
package log
