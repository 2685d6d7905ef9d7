/*
Package types defines the core data structures used throughout Fieldbridge.

This package contains the fundamental types of the connector's domain model:
sources, the protocol-agnostic record, the tagged value variant, the WoT
ThingConfig, client lifecycle states, and the pipeline error taxonomy. All
other packages depend on it and it depends on nothing but the standard
library.

# Core Types

  - Source: configuration entity for one field endpoint (OPC-UA, MQTT, or
    Modbus TCP) with its protocol-specific options.
  - ProtocolRecord: the universal event every protocol client emits. Records
    are immutable once emitted; ownership moves queue → batcher → sink.
  - Value: a closed tagged variant over bool, int64, float64, string, and
    bytes with a pre-computed numeric projection.
  - ThingConfig: semantic metadata derived from a Web-of-Things Thing
    Description.
  - ClassifiedError: an error wrapper carrying the pipeline error class that
    drives retry, drop, and dead-letter decisions.
*/
package types
