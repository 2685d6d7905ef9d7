package wot

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// Property is one TD property affordance mapped onto a protocol address
type Property struct {
	Name         string
	Topic        string
	SemanticType string
	UnitURI      string
}

// Thing is a parsed and validated Thing Description
type Thing struct {
	ID         string
	Title      string
	Base       string
	Protocol   types.Protocol
	Endpoint   string
	Properties []Property
}

// rawTD mirrors the TD JSON shape. @type is a string or an array of
// strings, so it stays raw until normalization.
type rawTD struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Base       string                 `json:"base"`
	Properties map[string]rawProperty `json:"properties"`
}

type rawProperty struct {
	Type     json.RawMessage `json:"@type"`
	Unit     string          `json:"unit"`
	QudtUnit string          `json:"qudt:unit"`
	Forms    []rawForm       `json:"forms"`
}

type rawForm struct {
	Href   string `json:"href"`
	NodeID string `json:"opcua:nodeId"`
}

// Parse validates a Thing Description document and maps it onto one
// protocol source. All failures are permanent configuration errors.
func Parse(data []byte) (*Thing, error) {
	var raw rawTD
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, types.Classifyf(types.ErrConfig, "invalid thing description: %v", err)
	}
	// id and title are informational; only base and properties decide
	// whether the TD can drive a source.
	if raw.Base == "" {
		return nil, types.Classifyf(types.ErrConfig, "invalid thing description %s: missing base", raw.ID)
	}
	if len(raw.Properties) == 0 {
		return nil, types.Classifyf(types.ErrConfig, "invalid thing description %s: no properties", raw.ID)
	}

	proto, endpoint, err := endpointFor(raw.Base)
	if err != nil {
		return nil, types.Classifyf(types.ErrConfig, "invalid thing description %s: %v", raw.ID, err)
	}

	t := &Thing{
		ID:       raw.ID,
		Title:    raw.Title,
		Base:     raw.Base,
		Protocol: proto,
		Endpoint: endpoint,
	}
	for name, rp := range raw.Properties {
		topic, err := topicFor(proto, rp)
		if err != nil {
			return nil, types.Classifyf(types.ErrConfig,
				"invalid thing description %s: property %s: %v", raw.ID, name, err)
		}
		t.Properties = append(t.Properties, Property{
			Name:         name,
			Topic:        topic,
			SemanticType: semanticType(rp.Type),
			UnitURI:      unitURI(rp),
		})
	}
	return t, nil
}

// endpointFor derives the protocol and connection endpoint from the TD base
// URL scheme.
func endpointFor(base string) (types.Protocol, string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("bad base url %q", base)
	}
	switch u.Scheme {
	case "opc.tcp":
		return types.ProtocolOPCUA, base, nil
	case "mqtt", "mqtts":
		return types.ProtocolMQTT, u.Scheme + "://" + u.Host, nil
	case "modbus", "modbus+tcp":
		return types.ProtocolModbus, "modbus+tcp://" + u.Host, nil
	}
	return "", "", fmt.Errorf("unsupported base scheme %q", u.Scheme)
}

// topicFor extracts the protocol-native address from a property's first
// usable form.
func topicFor(proto types.Protocol, rp rawProperty) (string, error) {
	if len(rp.Forms) == 0 {
		return "", fmt.Errorf("no forms")
	}
	for _, f := range rp.Forms {
		if proto == types.ProtocolOPCUA && f.NodeID != "" {
			return f.NodeID, nil
		}
		if f.Href == "" {
			continue
		}
		href := f.Href
		if u, err := url.Parse(href); err == nil && u.Scheme != "" {
			href = u.Path
		}
		// Topics are rooted at the base; a leading slash is not part of the
		// protocol-native address.
		href = strings.TrimPrefix(href, "/")
		if href == "" {
			continue
		}
		return href, nil
	}
	return "", fmt.Errorf("no usable form")
}

// semanticType picks the first non-TD vocabulary entry from @type
func semanticType(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, s := range many {
			if s != "" {
				return s
			}
		}
	}
	return ""
}

// unitURI prefers the QUDT unit annotation over the plain unit string
func unitURI(rp rawProperty) string {
	if rp.QudtUnit != "" {
		return rp.QudtUnit
	}
	return rp.Unit
}

// Source materializes the source configuration a TD describes
func (t *Thing) Source(name string) (*types.Source, error) {
	src := &types.Source{
		Name:     name,
		Protocol: t.Protocol,
		Endpoint: t.Endpoint,
		Enabled:  true,
	}
	switch t.Protocol {
	case types.ProtocolOPCUA:
		opts := &types.OPCUAOptions{SecurityMode: types.SecurityModeNone}
		for _, p := range t.Properties {
			opts.NodeIDs = append(opts.NodeIDs, p.Topic)
		}
		src.OPCUA = opts
	case types.ProtocolMQTT:
		opts := &types.MQTTOptions{}
		for _, p := range t.Properties {
			opts.Topics = append(opts.Topics, types.MQTTTopic{Filter: p.Topic, QoS: 1})
		}
		src.MQTT = opts
	case types.ProtocolModbus:
		opts := &types.ModbusOptions{}
		for _, p := range t.Properties {
			reg, unitID, err := parseRegisterTopic(p.Topic)
			if err != nil {
				return nil, types.Classifyf(types.ErrConfig,
					"thing %s: property %s: %v", t.ID, p.Name, err)
			}
			reg.Name = p.Name
			if len(opts.Registers) == 0 {
				opts.UnitID = unitID
			} else if opts.UnitID != unitID {
				return nil, types.Classifyf(types.ErrConfig,
					"thing %s: properties span multiple unit ids", t.ID)
			}
			opts.Registers = append(opts.Registers, reg)
		}
		src.Modbus = opts
	}
	return src, nil
}

// parseRegisterTopic decodes a unit/table/address form path
func parseRegisterTopic(topic string) (types.ModbusRegister, byte, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return types.ModbusRegister{}, 0, fmt.Errorf("bad register path %q, want unit/table/address", topic)
	}
	unit, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return types.ModbusRegister{}, 0, fmt.Errorf("bad unit id %q", parts[0])
	}
	addr, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return types.ModbusRegister{}, 0, fmt.Errorf("bad register address %q", parts[2])
	}
	regType := types.ModbusRegisterType(parts[1])
	switch regType {
	case types.RegisterHolding, types.RegisterInput, types.RegisterCoil, types.RegisterDiscrete:
	default:
		return types.ModbusRegister{}, 0, fmt.Errorf("bad register table %q", parts[1])
	}
	return types.ModbusRegister{
		Type:    regType,
		Address: uint16(addr),
		Length:  1,
	}, byte(unit), nil
}

// Config returns the cacheable summary exposed over the management API
func (t *Thing) Config() *types.ThingConfig {
	tc := &types.ThingConfig{
		ThingID:       t.ID,
		Title:         t.Title,
		Endpoint:      t.Endpoint,
		Protocol:      t.Protocol,
		SemanticTypes: make(map[string]string),
		UnitURIs:      make(map[string]string),
	}
	for _, p := range t.Properties {
		tc.Properties = append(tc.Properties, p.Name)
		if p.SemanticType != "" {
			tc.SemanticTypes[p.Name] = p.SemanticType
		}
		if p.UnitURI != "" {
			tc.UnitURIs[p.Name] = p.UnitURI
		}
	}
	return tc
}
