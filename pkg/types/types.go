package types

import "time"

// Protocol identifies which field protocol a source speaks
type Protocol string

const (
	ProtocolOPCUA  Protocol = "opcua"
	ProtocolMQTT   Protocol = "mqtt"
	ProtocolModbus Protocol = "modbus"
)

// Valid returns true if the protocol is one of the supported kinds
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolOPCUA, ProtocolMQTT, ProtocolModbus:
		return true
	}
	return false
}

// ClientState represents the lifecycle state of a protocol client
type ClientState string

const (
	ClientStateDisconnected ClientState = "disconnected"
	ClientStateConnecting   ClientState = "connecting"
	ClientStateConnected    ClientState = "connected"
	ClientStateRunning      ClientState = "running"
	ClientStateReconnecting ClientState = "reconnecting"
	ClientStateFailed       ClientState = "failed"
	ClientStateStopped      ClientState = "stopped"
)

// Terminal returns true for states that require operator action or an
// explicit restart before the client produces records again.
func (s ClientState) Terminal() bool {
	return s == ClientStateFailed || s == ClientStateStopped
}

// DropPolicy controls queue behavior when the in-memory buffer is full
type DropPolicy string

const (
	DropNewest DropPolicy = "drop_newest"
	DropOldest DropPolicy = "drop_oldest"
)

// SecurityMode selects the OPC-UA secure channel mode
type SecurityMode string

const (
	SecurityModeNone           SecurityMode = "none"
	SecurityModeSign           SecurityMode = "sign"
	SecurityModeSignAndEncrypt SecurityMode = "sign_and_encrypt"
)

// Source is the configuration entity for one field endpoint.
// Names are unique across the bridge; exactly one protocol client exists
// per enabled source while the bridge is running.
type Source struct {
	Name             string            `yaml:"name" json:"name"`
	Protocol         Protocol          `yaml:"protocol" json:"protocol"`
	Endpoint         string            `yaml:"endpoint" json:"endpoint"`
	ThingDescription string            `yaml:"thing_description,omitempty" json:"thing_description,omitempty"`
	Enabled          bool              `yaml:"enabled" json:"enabled"`
	Labels           map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`

	OPCUA  *OPCUAOptions  `yaml:"opcua,omitempty" json:"opcua,omitempty"`
	MQTT   *MQTTOptions   `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Modbus *ModbusOptions `yaml:"modbus,omitempty" json:"modbus,omitempty"`

	CreatedAt time.Time `yaml:"-" json:"created_at"`
}

// OPCUAOptions holds OPC-UA specific source configuration
type OPCUAOptions struct {
	NodeIDs              []string     `yaml:"node_ids" json:"node_ids"`
	PublishingIntervalMS int          `yaml:"publishing_interval_ms" json:"publishing_interval_ms"`
	SamplingIntervalMS   int          `yaml:"sampling_interval_ms,omitempty" json:"sampling_interval_ms,omitempty"`
	SecurityMode         SecurityMode `yaml:"security_mode" json:"security_mode"`
	CertFile             string       `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile              string       `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	ServerCertFile       string       `yaml:"server_cert_file,omitempty" json:"server_cert_file,omitempty"`
}

// PublishingInterval returns the subscription publishing interval
func (o *OPCUAOptions) PublishingInterval() time.Duration {
	if o.PublishingIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(o.PublishingIntervalMS) * time.Millisecond
}

// SamplingInterval returns the monitored item sampling interval; zero means
// server default
func (o *OPCUAOptions) SamplingInterval() time.Duration {
	return time.Duration(o.SamplingIntervalMS) * time.Millisecond
}

// MQTTTopic is one topic filter with its QoS
type MQTTTopic struct {
	Filter string `yaml:"filter" json:"filter"`
	QoS    byte   `yaml:"qos" json:"qos"`
}

// MQTTOptions holds MQTT specific source configuration
type MQTTOptions struct {
	Topics   []MQTTTopic `yaml:"topics" json:"topics"`
	ClientID string      `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Username string      `yaml:"username,omitempty" json:"username,omitempty"`
	Password string      `yaml:"password,omitempty" json:"password,omitempty"`
	// Headless keeps the client reported as up when the broker is
	// unreachable; no records are emitted in that mode.
	Headless bool `yaml:"headless,omitempty" json:"headless,omitempty"`
}

// ModbusRegisterType identifies the Modbus table a register lives in
type ModbusRegisterType string

const (
	RegisterHolding  ModbusRegisterType = "holding"
	RegisterInput    ModbusRegisterType = "input"
	RegisterCoil     ModbusRegisterType = "coil"
	RegisterDiscrete ModbusRegisterType = "discrete"
)

// ModbusRegister describes one polled register map entry
type ModbusRegister struct {
	Name    string             `yaml:"name" json:"name"`
	Type    ModbusRegisterType `yaml:"type" json:"type"`
	Address uint16             `yaml:"address" json:"address"`
	Length  uint16             `yaml:"length" json:"length"`
	Scale   float64            `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// ModbusOptions holds Modbus TCP specific source configuration
type ModbusOptions struct {
	UnitID      byte             `yaml:"unit_id" json:"unit_id"`
	ScanCycleMS int              `yaml:"scan_cycle_ms" json:"scan_cycle_ms"`
	Registers   []ModbusRegister `yaml:"registers" json:"registers"`
}

// ScanCycle returns the polling interval for the register map
func (o *ModbusOptions) ScanCycle() time.Duration {
	if o.ScanCycleMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(o.ScanCycleMS) * time.Millisecond
}

// ThingConfig is derived from a fetched Web-of-Things Thing Description.
// It is computed once per TD fetch and cached until the source is
// reconfigured.
type ThingConfig struct {
	ThingID       string            `json:"thing_id"`
	Title         string            `json:"title"`
	Endpoint      string            `json:"endpoint"`
	Protocol      Protocol          `json:"protocol"`
	Properties    []string          `json:"properties"`
	SemanticTypes map[string]string `json:"semantic_types"`
	UnitURIs      map[string]string `json:"unit_uris"`
	RawTD         []byte            `json:"-"`
}

// ClientStats is the periodic counters snapshot a protocol client reports
type ClientStats struct {
	Source         string      `json:"source"`
	State          ClientState `json:"state"`
	RecordsEmitted uint64      `json:"records_emitted"`
	RecordsSkipped uint64      `json:"records_skipped"`
	ReconnectCount uint64      `json:"reconnect_count"`
	LastRecordAt   time.Time   `json:"last_record_at"`
	LastError      string      `json:"last_error,omitempty"`
}
