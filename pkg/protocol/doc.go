/*
Package protocol defines the contract every field protocol driver implements
and the runner that supervises one driver session. The runner owns the client
lifecycle state machine: it connects, lets the driver produce records, and on
session failure reconnects with capped exponential backoff and full jitter.
Permanent failures (bad configuration, rejected certificates) park the client
in the failed state instead of retrying forever.

The concrete drivers live in the opcua, mqtt, and modbus subpackages.
*/
package protocol
