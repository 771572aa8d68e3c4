package integration

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/cjserio/nolongerevil/internal/model"
)

// MQTTSink publishes device state to an MQTT broker and announces Home
// Assistant discovery configs for the thermostat entities it knows
// about: target_temperature, current_temperature, mode,
// fan_timer_active, and humidity, each tied to the device's availability
// topic. Connection handling covers protocol-scheme dispatch,
// auto-reconnect, and publish-with-timeout.
type MQTTSink struct {
	brokerURL       string
	topicPrefix     string
	discoveryPrefix string
	logger          *logrus.Logger

	client      mqtt.Client
	discovered  map[string]bool // serial -> discovery already published
}

// thermostatEntities enumerates the object keys this sink exposes as
// Home Assistant entities, drawn from the canonical device.<serial> and
// shared.<structure> object keys.
var thermostatEntities = []struct {
	suffix      string // object_key suffix this entity reads
	entityType  string // "sensor", "climate", "binary_sensor"
	entityID    string
	name        string
	deviceClass string
	unit        string
}{
	{"target_temperature", "sensor", "target_temperature", "Target Temperature", "temperature", "°C"},
	{"current_temperature", "sensor", "current_temperature", "Current Temperature", "temperature", "°C"},
	{"mode", "sensor", "mode", "Mode", "", ""},
	{"fan_timer_active", "binary_sensor", "fan_timer_active", "Fan Timer Active", "", ""},
	{"humidity", "sensor", "humidity", "Humidity", "humidity", "%"},
}

// haDiscoveryConfig is the Home Assistant MQTT discovery payload shape.
type haDiscoveryConfig struct {
	Name              string  `json:"name"`
	UniqueID          string  `json:"unique_id"`
	StateTopic        string  `json:"state_topic"`
	ValueTemplate     string  `json:"value_template,omitempty"`
	DeviceClass       string  `json:"device_class,omitempty"`
	UnitOfMeasurement string  `json:"unit_of_measurement,omitempty"`
	Device            haDevice `json:"device"`
	AvailabilityTopic string  `json:"availability_topic"`
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

// NewMQTTSink constructs a sink that will connect lazily on Init.
func NewMQTTSink(brokerURL, topicPrefix, discoveryPrefix string, logger *logrus.Logger) *MQTTSink {
	return &MQTTSink{
		brokerURL:       brokerURL,
		topicPrefix:     topicPrefix,
		discoveryPrefix: discoveryPrefix,
		logger:          logger,
		discovered:      make(map[string]bool),
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Init parses brokerURL, dispatches on its scheme (ws/wss/mqtt/mqtts),
// and connects with auto-reconnect enabled.
func (s *MQTTSink) Init() error {
	parsed, err := url.Parse(s.brokerURL)
	if err != nil {
		return fmt.Errorf("invalid MQTT broker URL: %w", err)
	}

	opts := mqtt.NewClientOptions()

	var broker string
	switch parsed.Scheme {
	case "ws":
		broker = s.brokerURL
	case "wss":
		broker = s.brokerURL
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	case "mqtt":
		broker = strings.Replace(s.brokerURL, "mqtt://", "tcp://", 1)
	case "mqtts":
		broker = strings.Replace(s.brokerURL, "mqtts://", "ssl://", 1)
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	default:
		return fmt.Errorf("unsupported MQTT broker scheme %q (supported: ws, wss, mqtt, mqtts)", parsed.Scheme)
	}

	opts.AddBroker(broker)
	opts.SetClientID("nolongerevil")
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetMaxReconnectInterval(10 * time.Second)

	if parsed.User != nil {
		username := parsed.User.Username()
		password, _ := parsed.User.Password()
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		s.logger.WithError(err).Warn("mqtt sink: connection lost")
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.logger.Debug("mqtt sink: connected")
	})

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt sink: connect failed: %w", token.Error())
	}
	return nil
}

// Shutdown disconnects the broker connection with a brief quiesce period.
func (s *MQTTSink) Shutdown() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

// OnStateChange publishes each changed object's value to
// <topicPrefix>/<serial>/<object_key> and ensures discovery configs have
// been announced for that serial.
func (s *MQTTSink) OnStateChange(serial string, changed []model.Object) {
	s.ensureDiscovery(serial)

	for _, obj := range changed {
		payload, err := json.Marshal(obj.Value)
		if err != nil {
			s.logger.WithError(err).WithField("object_key", obj.ObjectKey).Warn("mqtt sink: failed to marshal object value")
			continue
		}
		topic := fmt.Sprintf("%s/%s/%s", s.topicPrefix, serial, obj.ObjectKey)
		s.publish(topic, payload, false)
	}
}

// OnConnected publishes "online" to the device's availability topic.
func (s *MQTTSink) OnConnected(serial string) {
	s.publish(s.availabilityTopic(serial), []byte("online"), true)
}

// OnDisconnected publishes "offline" to the device's availability topic.
func (s *MQTTSink) OnDisconnected(serial string) {
	s.publish(s.availabilityTopic(serial), []byte("offline"), true)
}

func (s *MQTTSink) availabilityTopic(serial string) string {
	return fmt.Sprintf("%s/%s/availability", s.topicPrefix, serial)
}

func (s *MQTTSink) publish(topic string, payload []byte, retained bool) {
	if s.client == nil || !s.client.IsConnected() {
		return
	}
	token := s.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		s.logger.WithField("topic", topic).Warn("mqtt sink: publish timed out")
		return
	}
	if token.Error() != nil {
		s.logger.WithError(token.Error()).WithField("topic", topic).Warn("mqtt sink: publish failed")
	}
}

// ensureDiscovery publishes Home Assistant discovery configs for serial
// exactly once per process lifetime.
func (s *MQTTSink) ensureDiscovery(serial string) {
	if s.discovered[serial] {
		return
	}
	s.discovered[serial] = true

	device := haDevice{
		Identifiers:  []string{fmt.Sprintf("thermostat_%s", serial)},
		Name:         fmt.Sprintf("Thermostat %s", serial),
		Model:        "Thermostat",
		Manufacturer: "nolongerevil",
	}

	for _, ent := range thermostatEntities {
		uniqueID := fmt.Sprintf("%s_%s", serial, ent.entityID)
		stateTopic := fmt.Sprintf("%s/%s/device.%s", s.topicPrefix, serial, ent.suffix)
		cfg := haDiscoveryConfig{
			Name:              ent.name,
			UniqueID:          uniqueID,
			StateTopic:        stateTopic,
			DeviceClass:       ent.deviceClass,
			UnitOfMeasurement: ent.unit,
			Device:            device,
			AvailabilityTopic: s.availabilityTopic(serial),
		}
		payload, err := json.Marshal(cfg)
		if err != nil {
			s.logger.WithError(err).Warn("mqtt sink: failed to marshal discovery config")
			continue
		}
		topic := fmt.Sprintf("%s/%s/thermostat_%s/%s/config", s.discoveryPrefix, ent.entityType, serial, ent.entityID)
		s.publish(topic, payload, true)
	}
}
