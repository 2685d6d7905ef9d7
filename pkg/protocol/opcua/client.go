package opcua

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/protocol"
	"github.com/fieldbridge/fieldbridge/pkg/security"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// notifyBuffer sizes the subscription notification channel
const notifyBuffer = 64

// Client is one OPC-UA session
type Client struct {
	source   string
	endpoint string
	opts     *types.OPCUAOptions
	emit     protocol.Emitter
	logger   zerolog.Logger

	conn    *opcua.Client
	nodeIDs []*ua.NodeID
}

// New creates an OPC-UA driver for src. The node ID list is parsed up front
// so malformed configuration fails before the first connection attempt.
func New(src *types.Source, emit protocol.Emitter) (*Client, error) {
	if src.OPCUA == nil || len(src.OPCUA.NodeIDs) == 0 {
		return nil, types.Classifyf(types.ErrConfig, "source %s: no OPC-UA node ids configured", src.Name)
	}
	nodeIDs := make([]*ua.NodeID, 0, len(src.OPCUA.NodeIDs))
	for _, raw := range src.OPCUA.NodeIDs {
		id, err := ua.ParseNodeID(raw)
		if err != nil {
			return nil, types.Classifyf(types.ErrConfig, "source %s: bad node id %q: %v", src.Name, raw, err)
		}
		nodeIDs = append(nodeIDs, id)
	}
	return &Client{
		source:   src.Name,
		endpoint: src.Endpoint,
		opts:     src.OPCUA,
		emit:     emit,
		logger:   log.WithProtocol(src.Name, string(types.ProtocolOPCUA)),
		nodeIDs:  nodeIDs,
	}, nil
}

func (c *Client) Protocol() types.Protocol { return types.ProtocolOPCUA }
func (c *Client) Endpoint() string         { return c.endpoint }

// Connect opens the secure channel. The server certificate, when pinned in
// the source configuration, is validated before any connection attempt.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.ServerCertFile != "" {
		if _, err := security.ValidateServerCertificate(c.opts.ServerCertFile); err != nil {
			return err
		}
	}

	copts, err := c.clientOptions()
	if err != nil {
		return err
	}
	conn, err := opcua.NewClient(c.endpoint, copts...)
	if err != nil {
		return types.Classifyf(types.ErrConfig, "bad OPC-UA client configuration: %v", err)
	}
	if err := conn.Connect(ctx); err != nil {
		return types.Classifyf(types.ErrTransport, "failed to connect to %s: %v", c.endpoint, err)
	}
	c.conn = conn
	return nil
}

func (c *Client) clientOptions() ([]opcua.Option, error) {
	switch c.opts.SecurityMode {
	case "", types.SecurityModeNone:
		return []opcua.Option{
			opcua.SecurityMode(ua.MessageSecurityModeNone),
			opcua.SecurityPolicy(ua.SecurityPolicyURINone),
			opcua.AuthAnonymous(),
		}, nil
	case types.SecurityModeSign, types.SecurityModeSignAndEncrypt:
		if c.opts.CertFile == "" || c.opts.KeyFile == "" {
			return nil, types.Classifyf(types.ErrConfig,
				"security mode %s requires cert_file and key_file", c.opts.SecurityMode)
		}
		mode := ua.MessageSecurityModeSign
		if c.opts.SecurityMode == types.SecurityModeSignAndEncrypt {
			mode = ua.MessageSecurityModeSignAndEncrypt
		}
		return []opcua.Option{
			opcua.SecurityMode(mode),
			opcua.SecurityPolicy(ua.SecurityPolicyURIBasic256Sha256),
			opcua.CertificateFile(c.opts.CertFile),
			opcua.PrivateKeyFile(c.opts.KeyFile),
			opcua.AuthAnonymous(),
		}, nil
	default:
		return nil, types.Classifyf(types.ErrConfig, "unknown security mode %q", c.opts.SecurityMode)
	}
}

// Run subscribes to the configured nodes and emits a record per data change
// notification until ctx is cancelled or the session breaks.
func (c *Client) Run(ctx context.Context) error {
	notify := make(chan *opcua.PublishNotificationData, notifyBuffer)
	sub, err := c.conn.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: c.opts.PublishingInterval(),
	}, notify)
	if err != nil {
		return types.Classifyf(types.ErrProtocol, "failed to create subscription: %v", err)
	}
	defer sub.Cancel(ctx)

	// Client handles index into nodeIDs so notifications map back to nodes
	for i, id := range c.nodeIDs {
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, uint32(i))
		if c.opts.SamplingInterval() > 0 {
			req.RequestedParameters.SamplingInterval = float64(c.opts.SamplingInterval().Milliseconds())
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			return types.Classifyf(types.ErrProtocol, "failed to monitor %s: %v", id, err)
		}
		for _, result := range res.Results {
			if result.StatusCode != ua.StatusOK {
				c.logger.Warn().
					Str("node", id.String()).
					Str("status", result.StatusCode.Error()).
					Msg("Server refused monitored item")
			}
		}
	}
	c.logger.Info().Int("nodes", len(c.nodeIDs)).
		Dur("publishing_interval", c.opts.PublishingInterval()).
		Msg("Subscription active")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-notify:
			if !ok {
				return types.Classifyf(types.ErrTransport, "subscription channel closed")
			}
			if msg.Error != nil {
				return types.Classifyf(types.ErrTransport, "subscription error: %v", msg.Error)
			}
			if dcn, ok := msg.Value.(*ua.DataChangeNotification); ok {
				c.handleDataChange(dcn)
			}
		}
	}
}

func (c *Client) handleDataChange(dcn *ua.DataChangeNotification) {
	for _, item := range dcn.MonitoredItems {
		if item.Value == nil || int(item.ClientHandle) >= len(c.nodeIDs) {
			continue
		}
		node := c.nodeIDs[item.ClientHandle]
		c.emit(c.toRecord(node, item.Value))
	}
}

// toRecord maps one data value to the universal record form
func (c *Client) toRecord(node *ua.NodeID, dv *ua.DataValue) *types.ProtocolRecord {
	eventTime := dv.SourceTimestamp
	if eventTime.IsZero() {
		eventTime = time.Now()
	}
	r := types.NewRecord(c.source, c.endpoint, types.ProtocolOPCUA,
		node.String(), eventTime.UnixMicro(), variantValue(dv.Value))
	r.StatusCode = uint32(dv.Status)
	if dv.Status == ua.StatusOK {
		r.Status = "Good"
	} else {
		r.Status = dv.Status.Error()
	}
	return r
}

// variantValue collapses the OPC-UA variant space onto the closed record
// value set. Unhandled variant types fall back to their string form.
func variantValue(v *ua.Variant) types.Value {
	if v == nil {
		return types.StringValue("")
	}
	switch val := v.Value().(type) {
	case bool:
		return types.BoolValue(val)
	case int8:
		return types.Int64Value(int64(val))
	case int16:
		return types.Int64Value(int64(val))
	case int32:
		return types.Int64Value(int64(val))
	case int64:
		return types.Int64Value(val)
	case uint8:
		return types.Int64Value(int64(val))
	case uint16:
		return types.Int64Value(int64(val))
	case uint32:
		return types.Int64Value(int64(val))
	case uint64:
		return types.Int64Value(int64(val))
	case float32:
		return types.Float64Value(float64(val))
	case float64:
		return types.Float64Value(val)
	case string:
		return types.StringValue(val)
	case []byte:
		return types.BytesValue(val)
	case time.Time:
		return types.StringValue(val.UTC().Format(time.RFC3339Nano))
	default:
		return types.StringValue(fmt.Sprintf("%v", val))
	}
}

// Disconnect closes the secure channel
func (c *Client) Disconnect(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}
