package mqtt

import (
	"context"
	"strconv"
	"time"
	"unicode/utf8"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/protocol"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

const connectTimeout = 10 * time.Second

// Client is one MQTT broker connection
type Client struct {
	source   string
	endpoint string
	opts     *types.MQTTOptions
	emit     protocol.Emitter
	logger   zerolog.Logger

	conn paho.Client
	// lost receives the error that broke the session
	lost chan error
}

// New creates an MQTT driver for src
func New(src *types.Source, emit protocol.Emitter) (*Client, error) {
	if src.MQTT == nil || len(src.MQTT.Topics) == 0 {
		return nil, types.Classifyf(types.ErrConfig, "source %s: no MQTT topic filters configured", src.Name)
	}
	for _, t := range src.MQTT.Topics {
		if t.Filter == "" {
			return nil, types.Classifyf(types.ErrConfig, "source %s: empty MQTT topic filter", src.Name)
		}
		if t.QoS > 2 {
			return nil, types.Classifyf(types.ErrConfig, "source %s: invalid QoS %d for %s", src.Name, t.QoS, t.Filter)
		}
	}
	return &Client{
		source:   src.Name,
		endpoint: src.Endpoint,
		opts:     src.MQTT,
		emit:     emit,
		logger:   log.WithProtocol(src.Name, string(types.ProtocolMQTT)),
	}, nil
}

func (c *Client) Protocol() types.Protocol { return types.ProtocolMQTT }
func (c *Client) Endpoint() string         { return c.endpoint }

// Connect dials the broker. A configured client id gives a persistent
// session; without one the session is clean under an ephemeral id. In
// headless mode a connect failure is tolerated: the source stays up and the
// driver keeps retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	clientID := c.opts.ClientID
	clean := false
	if clientID == "" {
		clientID = "fieldbridge-" + uuid.New().String()[:8]
		clean = true
	}

	c.lost = make(chan error, 1)
	popts := paho.NewClientOptions().
		AddBroker(c.endpoint).
		SetClientID(clientID).
		SetCleanSession(clean).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			select {
			case c.lost <- err:
			default:
			}
		})
	if c.opts.Username != "" {
		popts.SetUsername(c.opts.Username)
		popts.SetPassword(c.opts.Password)
	}

	c.conn = paho.NewClient(popts)
	if err := c.dial(ctx); err != nil {
		if !c.opts.Headless {
			return err
		}
		c.logger.Warn().Err(err).Msg("Broker unreachable, staying up headless")
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	token := c.conn.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return types.Classifyf(types.ErrTransport, "failed to connect to %s: %v", c.endpoint, err)
	}
	if err := c.subscribe(); err != nil {
		c.conn.Disconnect(0)
		return err
	}
	return nil
}

func (c *Client) subscribe() error {
	for _, t := range c.opts.Topics {
		token := c.conn.Subscribe(t.Filter, t.QoS, c.onMessage)
		if !token.WaitTimeout(connectTimeout) {
			return types.Classifyf(types.ErrProtocol, "subscribe to %s timed out", t.Filter)
		}
		if err := token.Error(); err != nil {
			return types.Classifyf(types.ErrProtocol, "failed to subscribe to %s: %v", t.Filter, err)
		}
		c.logger.Debug().Str("filter", t.Filter).Uint8("qos", t.QoS).Msg("Subscribed")
	}
	return nil
}

// Run blocks until the session breaks or ctx is cancelled. Headless sources
// retry the broker quietly instead of surfacing the failure.
func (c *Client) Run(ctx context.Context) error {
	retry := time.NewTicker(30 * time.Second)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.lost:
			if !c.opts.Headless {
				return types.Classifyf(types.ErrTransport, "connection lost: %v", err)
			}
			c.logger.Warn().Err(err).Msg("Connection lost, staying up headless")
		case <-retry.C:
			if c.opts.Headless && !c.conn.IsConnected() {
				if err := c.dial(ctx); err != nil {
					c.logger.Debug().Err(err).Msg("Headless redial failed")
				} else {
					c.logger.Info().Msg("Broker reachable again")
				}
			}
		}
	}
}

// onMessage converts one received publish into a record. Receipt time is the
// event time; MQTT 3.1.1 carries no message timestamp.
func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	r := types.NewRecord(c.source, c.endpoint, types.ProtocolMQTT,
		msg.Topic(), time.Now().UnixMicro(), payloadValue(msg.Payload()))
	r.Status = "Good"
	r.Metadata = map[string]string{
		"qos":    strconv.Itoa(int(msg.Qos())),
		"retain": strconv.FormatBool(msg.Retained()),
	}
	if msg.Duplicate() {
		r.Metadata["duplicate"] = "true"
	}
	c.emit(r)
}

// payloadValue types an MQTT payload: numeric and boolean text become typed
// values, other valid UTF-8 stays a string, and binary payloads pass through
// as bytes.
func payloadValue(p []byte) types.Value {
	if !utf8.Valid(p) {
		return types.BytesValue(p)
	}
	s := string(p)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return types.Int64Value(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return types.Float64Value(f)
	}
	switch s {
	case "true", "false":
		return types.BoolValue(s == "true")
	}
	return types.StringValue(s)
}

// Disconnect closes the broker connection
func (c *Client) Disconnect(_ context.Context) error {
	if c.conn == nil {
		return nil
	}
	if c.conn.IsConnectionOpen() {
		c.conn.Disconnect(250)
	}
	c.conn = nil
	return nil
}
