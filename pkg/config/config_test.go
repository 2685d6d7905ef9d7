package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

const sampleConfig = `
connector:
  name: plant-west
  log_level: debug
  state_dir: /var/lib/fieldbridge

sources:
  - name: press-line
    protocol: opcua
    endpoint: opc.tcp://plc01:4840
    enabled: true
    opcua:
      node_ids: ["ns=2;s=Temp", "ns=2;s=Pressure"]
      publishing_interval_ms: 500
      security_mode: none
  - name: broker
    protocol: mqtt
    endpoint: mqtt://broker:1883
    enabled: true
    mqtt:
      topics:
        - filter: plant/+/telemetry
          qos: 1
  - name: meter
    protocol: modbus
    endpoint: modbus+tcp://meter:502
    enabled: false
    modbus:
      unit_id: 3
      scan_cycle_ms: 1000
      registers:
        - name: energy
          type: holding
          address: 100
          length: 2
          scale: 0.1

pipeline:
  queue_max_size: 5000
  drop_policy: drop_oldest
  batch_size: 100
  flush_interval_ms: 2000

spool:
  enabled: true
  max_segment_mb: 50
  encryption_enabled: true
  passphrase_env: FB_SPOOL_PASSPHRASE

sink:
  workspace_host: acme.ingest.example.com
  ingest_endpoint: acme.ingest.example.com:443
  target: plant_telemetry
  auth:
    client_id_env: FB_CLIENT_ID
    client_secret_env: FB_CLIENT_SECRET
    token_url: https://auth.example.com/oauth/token

api:
  listen: 127.0.0.1:8088
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "plant-west", cfg.Connector.Name)
	require.Len(t, cfg.Sources, 3)
	assert.Equal(t, types.ProtocolOPCUA, cfg.Sources[0].Protocol)
	assert.Equal(t, 500, cfg.Sources[0].OPCUA.PublishingIntervalMS)
	assert.Equal(t, byte(1), cfg.Sources[1].MQTT.Topics[0].QoS)
	assert.Equal(t, 0.1, cfg.Sources[2].Modbus.Registers[0].Scale)

	assert.Equal(t, 5000, cfg.Pipeline.QueueMaxSize)
	assert.Equal(t, types.DropOldest, cfg.Pipeline.DropPolicy)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.FlushInterval())

	// Fields absent from the file keep their defaults
	assert.Equal(t, 500, cfg.Pipeline.MaxSendRecordsPerSec)
	assert.Equal(t, 5, cfg.Sink.Retry.MaxAttempts)
	assert.Equal(t, DrainPrepend, cfg.Spool.DrainMode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.ClassOf(err))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "plant-west", cfg.Connector.Name)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero queue", "pipeline: {queue_max_size: 0}"},
		{"bad drop policy", "pipeline: {drop_policy: drop_random}"},
		{"zero batch", "pipeline: {batch_size: -1}"},
		{"zero rate", "pipeline: {max_send_records_per_sec: 0}"},
		{"inverted watermarks", "pipeline: {high_watermark_pct: 40, low_watermark_pct: 60}"},
		{"nameless source", "sources: [{protocol: mqtt, endpoint: mqtt://b:1883}]"},
		{"duplicate source", `sources:
  - {name: a, protocol: mqtt, endpoint: "mqtt://b:1883", mqtt: {topics: [{filter: x}]}}
  - {name: a, protocol: mqtt, endpoint: "mqtt://b:1883", mqtt: {topics: [{filter: x}]}}`},
		{"unknown protocol", "sources: [{name: a, protocol: profinet, endpoint: x}]"},
		{"missing endpoint", "sources: [{name: a, protocol: mqtt, mqtt: {topics: [{filter: x}]}}]"},
		{"opcua without nodes", `sources: [{name: a, protocol: opcua, endpoint: "opc.tcp://p:4840"}]`},
		{"mqtt without topics", `sources: [{name: a, protocol: mqtt, endpoint: "mqtt://b:1883"}]`},
		{"mqtt bad qos", `sources: [{name: a, protocol: mqtt, endpoint: "mqtt://b:1883", mqtt: {topics: [{filter: x, qos: 3}]}}]`},
		{"modbus without registers", `sources: [{name: a, protocol: modbus, endpoint: "modbus+tcp://p:502"}]`},
		{"zero segment size", "spool: {enabled: true, max_segment_mb: 0}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, types.ErrConfig, types.ClassOf(err))
		})
	}
}

func TestValidateSourceFromTD(t *testing.T) {
	// TD-driven sources resolve protocol and endpoint at fetch time
	src := &types.Source{Name: "pump1", ThingDescription: "https://things.local/pump1.td.json"}
	assert.NoError(t, ValidateSource(src))
}

func TestSinkCredentials(t *testing.T) {
	cfg := Default()
	cfg.Sink.Auth.ClientIDEnv = "FB_TEST_CLIENT_ID"
	cfg.Sink.Auth.ClientSecretEnv = "FB_TEST_CLIENT_SECRET"

	_, _, err := cfg.SinkCredentials()
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.ClassOf(err))

	t.Setenv("FB_TEST_CLIENT_ID", "connector-7")
	t.Setenv("FB_TEST_CLIENT_SECRET", "s3cret")
	id, secret, err := cfg.SinkCredentials()
	require.NoError(t, err)
	assert.Equal(t, "connector-7", id)
	assert.Equal(t, "s3cret", secret)
}

func TestSinkCredentialsEnvNamesRequired(t *testing.T) {
	cfg := Default()
	_, _, err := cfg.SinkCredentials()
	require.Error(t, err)
}

func TestSpoolPassphrase(t *testing.T) {
	cfg := Default()
	_, err := cfg.SpoolPassphrase()
	require.Error(t, err)

	cfg.Spool.Passphrase = "inline-secret"
	got, err := cfg.SpoolPassphrase()
	require.NoError(t, err)
	assert.Equal(t, "inline-secret", got)

	// The environment variable wins over the inline value
	cfg.Spool.PassphraseEnv = "FB_TEST_SPOOL_PASSPHRASE"
	_, err = cfg.SpoolPassphrase()
	require.Error(t, err, "configured env var must not be empty")

	t.Setenv("FB_TEST_SPOOL_PASSPHRASE", "env-secret")
	got, err = cfg.SpoolPassphrase()
	require.NoError(t, err)
	assert.Equal(t, "env-secret", got)
}

func TestDurationDefaults(t *testing.T) {
	var r SinkRetryConfig
	assert.Equal(t, 500*time.Millisecond, r.BaseBackoff())
	assert.Equal(t, 30*time.Second, r.MaxBackoff())

	var b BreakerConfig
	assert.Equal(t, 30*time.Second, b.Cooldown())
	assert.Equal(t, 5*time.Minute, b.MaxCooldown())

	var s SpoolConfig
	assert.Equal(t, 200*time.Millisecond, s.FsyncInterval())
}

func TestConfigStringOmitsSecrets(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	cfg.Spool.Passphrase = "topsecret"

	assert.NotContains(t, cfg.String(), "topsecret")
	assert.Contains(t, cfg.String(), "plant-west")
}
