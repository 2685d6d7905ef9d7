/*
Package modbus implements the Modbus TCP protocol driver. Modbus has no
subscription model, so the driver polls the configured register map on a
fixed scan cycle and emits one record per map entry per cycle. Quality is
synthesized: a successful read is Good, a failed read emits a Bad record so
downstream consumers see the gap instead of silence.
*/
package modbus
