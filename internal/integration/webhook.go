package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cjserio/nolongerevil/internal/model"
	"github.com/cjserio/nolongerevil/internal/netutil"
)

// webhookEnvelope is the JSON body POSTed to the configured URL. Field
// names are snake_case to match the rest of this repo's wire contracts.
type webhookEnvelope struct {
	Type    string         `json:"type"` // "state_change", "connected", "disconnected"
	Serial  string         `json:"serial"`
	Objects []model.WireObject `json:"objects,omitempty"`
}

// WebhookSink POSTs state-change and availability events to a single
// configured URL over a reliable-DNS HTTP client, with an explicit
// exponential backoff on consecutive POST failures rather than retrying
// blindly.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Logger

	mu                 sync.Mutex
	consecutiveFailure int
	backoffUntil       time.Time
}

const (
	webhookBaseBackoff = 2 * time.Second
	webhookMaxBackoff  = 2 * time.Minute
)

// NewWebhookSink constructs a sink posting to url over a transport with
// reliable DNS resolution, so outbound integrations work against both
// public and local-network endpoints.
func NewWebhookSink(url string, insecureSkipVerify bool, logger *logrus.Logger) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: netutil.NewHTTPClientWithReliableDNS(10*time.Second, logger, insecureSkipVerify),
		logger:     logger,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Init() error    { return nil }
func (s *WebhookSink) Shutdown()      {}

func (s *WebhookSink) OnStateChange(serial string, changed []model.Object) {
	wire := make([]model.WireObject, 0, len(changed))
	for _, o := range changed {
		wire = append(wire, o.ToWire())
	}
	s.send(webhookEnvelope{Type: "state_change", Serial: serial, Objects: wire})
}

func (s *WebhookSink) OnConnected(serial string) {
	s.send(webhookEnvelope{Type: "connected", Serial: serial})
}

func (s *WebhookSink) OnDisconnected(serial string) {
	s.send(webhookEnvelope{Type: "disconnected", Serial: serial})
}

func (s *WebhookSink) send(env webhookEnvelope) {
	s.mu.Lock()
	if time.Now().Before(s.backoffUntil) {
		s.mu.Unlock()
		s.logger.WithField("url", s.url).Debug("webhook sink: skipping send, in backoff")
		return
	}
	s.mu.Unlock()

	if err := s.post(env); err != nil {
		s.recordFailure(err)
		return
	}
	s.recordSuccess()
}

func (s *WebhookSink) post(env webhookEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nolongerevil/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailure = 0
	s.backoffUntil = time.Time{}
}

// recordFailure applies exponential backoff, doubling from
// webhookBaseBackoff up to webhookMaxBackoff per consecutive failure.
func (s *WebhookSink) recordFailure(err error) {
	s.mu.Lock()
	s.consecutiveFailure++
	delay := webhookBaseBackoff << uint(s.consecutiveFailure-1)
	if delay > webhookMaxBackoff || delay <= 0 {
		delay = webhookMaxBackoff
	}
	s.backoffUntil = time.Now().Add(delay)
	failures := s.consecutiveFailure
	s.mu.Unlock()

	s.logger.WithError(err).WithField("consecutive_failures", failures).WithField("backoff", delay).Warn("webhook sink: send failed")
}
