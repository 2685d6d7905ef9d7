package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grid-x/modbus"
	"github.com/rs/zerolog"

	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/protocol"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

const dialTimeout = 5 * time.Second

// Client polls one Modbus TCP unit
type Client struct {
	source   string
	endpoint string
	addr     string
	opts     *types.ModbusOptions
	emit     protocol.Emitter
	logger   zerolog.Logger

	handler *modbus.TCPClientHandler
	conn    modbus.Client
}

// New creates a Modbus driver for src. Endpoints use the modbus+tcp://
// scheme; a bare host:port is accepted too.
func New(src *types.Source, emit protocol.Emitter) (*Client, error) {
	if src.Modbus == nil || len(src.Modbus.Registers) == 0 {
		return nil, types.Classifyf(types.ErrConfig, "source %s: no Modbus registers configured", src.Name)
	}
	for _, reg := range src.Modbus.Registers {
		switch reg.Type {
		case types.RegisterHolding, types.RegisterInput, types.RegisterCoil, types.RegisterDiscrete:
		default:
			return nil, types.Classifyf(types.ErrConfig, "source %s: unknown register type %q", src.Name, reg.Type)
		}
		if reg.Length == 0 || reg.Length > 2 {
			if reg.Type == types.RegisterHolding || reg.Type == types.RegisterInput {
				return nil, types.Classifyf(types.ErrConfig,
					"source %s: register %s: length must be 1 or 2", src.Name, reg.Name)
			}
		}
	}
	addr, err := hostPort(src.Endpoint)
	if err != nil {
		return nil, types.Classifyf(types.ErrConfig, "source %s: %v", src.Name, err)
	}
	return &Client{
		source:   src.Name,
		endpoint: src.Endpoint,
		addr:     addr,
		opts:     src.Modbus,
		emit:     emit,
		logger:   log.WithProtocol(src.Name, string(types.ProtocolModbus)),
	}, nil
}

func hostPort(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("empty Modbus endpoint")
	}
	if !strings.Contains(endpoint, "//") {
		// Bare host:port
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("bad Modbus endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "modbus", "modbus+tcp", "tcp":
		return u.Host, nil
	}
	return "", fmt.Errorf("unsupported Modbus scheme %q", u.Scheme)
}

func (c *Client) Protocol() types.Protocol { return types.ProtocolModbus }
func (c *Client) Endpoint() string         { return c.endpoint }

// Connect opens the TCP connection to the unit
func (c *Client) Connect(ctx context.Context) error {
	handler := modbus.NewTCPClientHandler(c.addr)
	handler.Timeout = dialTimeout
	handler.SlaveID = c.opts.UnitID
	if err := handler.Connect(); err != nil {
		return types.Classifyf(types.ErrTransport, "failed to connect to %s: %v", c.addr, err)
	}
	c.handler = handler
	c.conn = modbus.NewClient(handler)
	return nil
}

// Run polls the register map every scan cycle. A read failure on one entry
// produces a Bad record for that entry; a transport-level failure breaks the
// session so the runner reconnects.
func (c *Client) Run(ctx context.Context) error {
	cycle := c.opts.ScanCycle()
	ticker := time.NewTicker(cycle)
	defer ticker.Stop()

	c.logger.Info().
		Int("registers", len(c.opts.Registers)).
		Dur("scan_cycle", cycle).
		Msg("Polling started")

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			scanTime := time.Now().UnixMicro()
			failed := 0
			for i := range c.opts.Registers {
				if err := c.poll(&c.opts.Registers[i], scanTime); err != nil {
					failed++
				}
			}
			if failed == len(c.opts.Registers) {
				consecutiveFailures++
				// Every entry failing repeatedly means the connection is
				// gone, not the registers
				if consecutiveFailures >= 3 {
					return types.Classifyf(types.ErrTransport, "all register reads failing against %s", c.addr)
				}
			} else {
				consecutiveFailures = 0
			}
		}
	}
}

// poll reads one register map entry and emits its record
func (c *Client) poll(reg *types.ModbusRegister, scanTime int64) error {
	value, err := c.read(reg)

	r := types.NewRecord(c.source, c.endpoint, types.ProtocolModbus,
		topicFor(c.opts.UnitID, reg), scanTime, value)
	r.Metadata = map[string]string{"register": reg.Name}
	if reg.Scale != 0 && reg.Scale != 1 {
		r.Metadata["scale"] = strconv.FormatFloat(reg.Scale, 'g', -1, 64)
	}
	if err != nil {
		r.Status = "Bad"
		r.StatusCode = 1
		c.logger.Debug().Err(err).Str("register", reg.Name).Msg("Register read failed")
	} else {
		r.Status = "Good"
	}
	c.emit(r)
	return err
}

// topicFor encodes the register identity as unit/table/address
func topicFor(unitID byte, reg *types.ModbusRegister) string {
	return fmt.Sprintf("%d/%s/%d", unitID, reg.Type, reg.Address)
}

func (c *Client) read(reg *types.ModbusRegister) (types.Value, error) {
	switch reg.Type {
	case types.RegisterHolding, types.RegisterInput:
		length := reg.Length
		if length == 0 {
			length = 1
		}
		var data []byte
		var err error
		if reg.Type == types.RegisterHolding {
			data, err = c.conn.ReadHoldingRegisters(reg.Address, length)
		} else {
			data, err = c.conn.ReadInputRegisters(reg.Address, length)
		}
		if err != nil {
			return types.Value{}, err
		}
		return registerValue(data, reg.Scale), nil

	case types.RegisterCoil, types.RegisterDiscrete:
		var data []byte
		var err error
		if reg.Type == types.RegisterCoil {
			data, err = c.conn.ReadCoils(reg.Address, 1)
		} else {
			data, err = c.conn.ReadDiscreteInputs(reg.Address, 1)
		}
		if err != nil || len(data) == 0 {
			if err == nil {
				err = fmt.Errorf("empty response for %s", reg.Name)
			}
			return types.Value{}, err
		}
		return types.BoolValue(data[0]&0x01 == 1), nil
	}
	return types.Value{}, fmt.Errorf("unknown register type %q", reg.Type)
}

// registerValue decodes one or two big-endian registers, applying the
// configured engineering scale when present.
func registerValue(data []byte, scale float64) types.Value {
	var raw int64
	switch len(data) {
	case 2:
		raw = int64(binary.BigEndian.Uint16(data))
	case 4:
		raw = int64(binary.BigEndian.Uint32(data))
	default:
		return types.BytesValue(data)
	}
	if scale != 0 && scale != 1 {
		return types.Float64Value(float64(raw) * scale)
	}
	return types.Int64Value(raw)
}

// Disconnect closes the TCP connection
func (c *Client) Disconnect(_ context.Context) error {
	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler = nil
	c.conn = nil
	return err
}
