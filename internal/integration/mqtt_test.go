package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cjserio/nolongerevil/internal/model"
)

// Without a running broker, Init is never called in these tests; they
// exercise the parts of MQTTSink that don't require a live connection.

func TestMQTTSinkAvailabilityTopic(t *testing.T) {
	s := NewMQTTSink("mqtt://broker:1883", "thermostat", "homeassistant", testLogger())
	assert.Equal(t, "thermostat/AAA/availability", s.availabilityTopic("AAA"))
}

func TestMQTTSinkNoopsWithoutConnection(t *testing.T) {
	s := NewMQTTSink("mqtt://broker:1883", "thermostat", "homeassistant", testLogger())
	// client is nil until Init succeeds; publish/OnStateChange must not panic.
	assert.NotPanics(t, func() {
		s.OnStateChange("AAA", []model.Object{{Serial: "AAA", ObjectKey: "device.AAA.target_temperature", Revision: 1}})
		s.OnConnected("AAA")
		s.OnDisconnected("AAA")
	})
}

func TestMQTTSinkDiscoveryPublishedOncePerSerial(t *testing.T) {
	s := NewMQTTSink("mqtt://broker:1883", "thermostat", "homeassistant", testLogger())
	assert.False(t, s.discovered["AAA"])
	s.ensureDiscovery("AAA")
	assert.True(t, s.discovered["AAA"])
	// Calling again must be a cheap no-op, not a panic from a nil client.
	assert.NotPanics(t, func() { s.ensureDiscovery("AAA") })
}

func TestMQTTSinkUnsupportedScheme(t *testing.T) {
	s := NewMQTTSink("ftp://broker:21", "thermostat", "homeassistant", testLogger())
	err := s.Init()
	assert.Error(t, err)
}

func TestMQTTSinkInvalidURL(t *testing.T) {
	s := NewMQTTSink("://not-a-url", "thermostat", "homeassistant", testLogger())
	err := s.Init()
	assert.Error(t, err)
}
