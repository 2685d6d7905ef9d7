package wot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

const pumpTD = `{
  "@context": "https://www.w3.org/2019/wot/td/v1",
  "id": "urn:dev:ops:32473-Pump-001",
  "title": "Coolant Pump",
  "base": "opc.tcp://plc1:4840",
  "properties": {
    "pressure": {
      "@type": ["saref:Pressure"],
      "qudt:unit": "http://qudt.org/vocab/unit/BAR",
      "forms": [{"href": "", "opcua:nodeId": "ns=2;s=Pump.Pressure"}]
    },
    "running": {
      "@type": "saref:OnOffState",
      "forms": [{"opcua:nodeId": "ns=2;s=Pump.Running"}]
    }
  }
}`

const sensorTD = `{
  "id": "urn:dev:ops:32473-TempSensor-001",
  "title": "Hall Temperature",
  "base": "mqtt://broker:1883",
  "properties": {
    "temperature": {
      "@type": "saref:Temperature",
      "unit": "om:degreeCelsius",
      "forms": [{"href": "/factory/hall2/temp"}]
    }
  }
}`

const meterTD = `{
  "id": "urn:dev:ops:32473-Meter-001",
  "title": "Power Meter",
  "base": "modbus+tcp://meter:502",
  "properties": {
    "voltage": {
      "forms": [{"href": "/1/holding/40001"}]
    },
    "current": {
      "forms": [{"href": "/1/holding/40003"}]
    }
  }
}`

func TestParseOPCUA(t *testing.T) {
	thing, err := Parse([]byte(pumpTD))
	require.NoError(t, err)
	assert.Equal(t, "urn:dev:ops:32473-Pump-001", thing.ID)
	assert.Equal(t, "Coolant Pump", thing.Title)
	assert.Equal(t, types.ProtocolOPCUA, thing.Protocol)
	assert.Equal(t, "opc.tcp://plc1:4840", thing.Endpoint)
	require.Len(t, thing.Properties, 2)

	src, err := thing.Source("pump1")
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolOPCUA, src.Protocol)
	require.NotNil(t, src.OPCUA)
	assert.ElementsMatch(t, []string{"ns=2;s=Pump.Pressure", "ns=2;s=Pump.Running"}, src.OPCUA.NodeIDs)
}

func TestParseMQTT(t *testing.T) {
	thing, err := Parse([]byte(sensorTD))
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolMQTT, thing.Protocol)
	assert.Equal(t, "mqtt://broker:1883", thing.Endpoint)

	src, err := thing.Source("hall2")
	require.NoError(t, err)
	require.NotNil(t, src.MQTT)
	require.Len(t, src.MQTT.Topics, 1)
	assert.Equal(t, "factory/hall2/temp", src.MQTT.Topics[0].Filter)

	cfg := thing.Config()
	assert.Equal(t, "saref:Temperature", cfg.SemanticTypes["temperature"])
	assert.Equal(t, "om:degreeCelsius", cfg.UnitURIs["temperature"])
}

func TestParseModbus(t *testing.T) {
	thing, err := Parse([]byte(meterTD))
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolModbus, thing.Protocol)
	assert.Equal(t, "modbus+tcp://meter:502", thing.Endpoint)

	src, err := thing.Source("meter1")
	require.NoError(t, err)
	require.NotNil(t, src.Modbus)
	assert.EqualValues(t, 1, src.Modbus.UnitID)
	require.Len(t, src.Modbus.Registers, 2)
	for _, reg := range src.Modbus.Registers {
		assert.Equal(t, types.RegisterHolding, reg.Type)
	}
}

func TestParseRejectsInvalidTDs(t *testing.T) {
	tests := []struct {
		name string
		td   string
	}{
		{"not json", `{"id": `},
		{"missing base", `{"id":"urn:x","title":"x","properties":{"p":{"forms":[{"href":"t"}]}}}`},
		{"no properties", `{"id":"urn:x","title":"x","base":"mqtt://b"}`},
		{"no forms", `{"id":"urn:x","title":"x","base":"mqtt://b","properties":{"p":{}}}`},
		{"bad scheme", `{"id":"urn:x","title":"x","base":"ftp://b","properties":{"p":{"forms":[{"href":"t"}]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.td))
			require.Error(t, err)
			assert.Equal(t, types.ErrConfig, types.ClassOf(err))
			assert.True(t, types.IsPermanent(err))
		})
	}
}

func TestParseWithoutIDAndTitle(t *testing.T) {
	// id and title are recommended but not required; a TD that omits them
	// still describes a usable source.
	td := `{"base":"mqtt://broker:1883","properties":{"temp":{"forms":[{"href":"plant/temp"}]}}}`
	thing, err := Parse([]byte(td))
	require.NoError(t, err)
	assert.Empty(t, thing.ID)
	assert.Empty(t, thing.Title)

	src, err := thing.Source("anon")
	require.NoError(t, err)
	require.NotNil(t, src.MQTT)
	assert.Equal(t, "plant/temp", src.MQTT.Topics[0].Filter)
}

func TestModbusSourceRejectsMixedUnits(t *testing.T) {
	td := `{
	  "id":"urn:x","title":"x","base":"modbus://m:502",
	  "properties":{
	    "a":{"forms":[{"href":"/1/holding/1"}]},
	    "b":{"forms":[{"href":"/2/holding/1"}]}
	  }}`
	thing, err := Parse([]byte(td))
	require.NoError(t, err)
	_, err = thing.Source("m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unit ids")
}

func TestEnrich(t *testing.T) {
	thing, err := Parse([]byte(sensorTD))
	require.NoError(t, err)

	var got *types.ProtocolRecord
	emit := thing.Enrich(func(r *types.ProtocolRecord) { got = r })

	emit(types.NewRecord("hall2", thing.Endpoint, types.ProtocolMQTT,
		"factory/hall2/temp", 1, types.Float64Value(21.5)))
	require.NotNil(t, got)
	require.NotNil(t, got.WoT)
	assert.Equal(t, "urn:dev:ops:32473-TempSensor-001", got.WoT.ThingID)
	assert.Equal(t, "Hall Temperature", got.WoT.ThingTitle)
	assert.Equal(t, "saref:Temperature", got.WoT.SemanticType)
	assert.Equal(t, "om:degreeCelsius", got.WoT.UnitURI)

	// Undescribed topics still carry the thing identity
	emit(types.NewRecord("hall2", thing.Endpoint, types.ProtocolMQTT,
		"factory/hall2/unknown", 2, types.StringValue("x")))
	require.NotNil(t, got.WoT)
	assert.Equal(t, "urn:dev:ops:32473-TempSensor-001", got.WoT.ThingID)
	assert.Empty(t, got.WoT.SemanticType)
	assert.Empty(t, got.WoT.UnitURI)
}

func TestFetchThing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept"), "application/td+json")
		w.Header().Set("Content-Type", "application/td+json")
		w.Write([]byte(sensorTD))
	}))
	defer srv.Close()

	thing, err := FetchThing(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "urn:dev:ops:32473-TempSensor-001", thing.ID)
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, types.ErrTransport, types.ClassOf(err))

	_, err = Fetch(context.Background(), "ftp://somewhere/td.json")
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.ClassOf(err))
}
