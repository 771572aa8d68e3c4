// Package app wires the concurrency core together and runs it until its
// context is cancelled: one goroutine per long-lived loop, registered
// with errgroup.WithContext so any loop's exit tears the rest down.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cjserio/nolongerevil/internal/authstore"
	"github.com/cjserio/nolongerevil/internal/availability"
	"github.com/cjserio/nolongerevil/internal/bus"
	"github.com/cjserio/nolongerevil/internal/config"
	"github.com/cjserio/nolongerevil/internal/control"
	"github.com/cjserio/nolongerevil/internal/integration"
	"github.com/cjserio/nolongerevil/internal/model"
	"github.com/cjserio/nolongerevil/internal/state"
	"github.com/cjserio/nolongerevil/internal/store"
	"github.com/cjserio/nolongerevil/internal/subscription"
	"github.com/cjserio/nolongerevil/internal/transport"
)

// subscriptionPublisher adapts subscription.Manager's Notify(serial,
// changed) int onto bus.Listener's void-returning Notify. Manager's int
// return (delivery count) is useful to its own direct callers but isn't
// part of the Listener contract the Change Bus dispatches to, so every
// subscription of a Manager onto a Bus needs this one-line wrapper.
type subscriptionPublisher struct {
	m *subscription.Manager
}

func (p *subscriptionPublisher) Notify(serial string, changed []model.Object) {
	p.m.Notify(serial, changed)
}

// liveSubscriptionChecker adapts a *subscription.Manager constructed
// after a Watchdog onto the Watchdog's LiveSubscriptionChecker
// dependency. Watchdog and Manager each need to observe the other
// (Watchdog sweeps Manager's live table; Manager reports first-seen
// serials to Watchdog as an ActivityReporter), so one side has to be
// filled in after construction; this indirection lets the Watchdog hold
// a stable reference from the start.
type liveSubscriptionChecker struct {
	m *subscription.Manager
}

func (c *liveSubscriptionChecker) HasLive(serial string) bool { return c.m.HasLive(serial) }
func (c *liveSubscriptionChecker) LiveSerials() []string      { return c.m.LiveSerials() }

// Run constructs the Object Store, Change Bus, Subscription Manager,
// Availability Watchdog, Integration Fan-out, and State Service Facade
// from cfg, starts the device-facing and control-API HTTP servers, and
// blocks until ctx is cancelled or a background loop exits with an
// error.
func Run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	messageBus := bus.New()

	objectStore, err := store.Open(cfg.SQLite3DBPath, messageBus)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer objectStore.Close()

	auth, err := authstore.Open(cfg.SQLite3DBPath)
	if err != nil {
		return fmt.Errorf("open auth store: %w", err)
	}
	defer auth.Close()
	auth.SetWeatherTTL(cfg.WeatherCacheTTLMs)

	fanOut := integration.NewFanOut(logger)
	defer fanOut.Shutdown()

	if cfg.HasMQTT() {
		sink := integration.NewMQTTSink(mqttBrokerURL(cfg), cfg.MQTTTopicPrefix, cfg.MQTTDiscoveryPrefix, logger)
		if err := fanOut.Register(sink, config.IntegrationMailboxCapacity); err != nil {
			return fmt.Errorf("register mqtt sink: %w", err)
		}
		logger.Info("mqtt integration configured")
	}
	if cfg.HasWebhook() {
		sink := integration.NewWebhookSink(cfg.WebhookURL, false, logger)
		if err := fanOut.Register(sink, config.IntegrationMailboxCapacity); err != nil {
			return fmt.Errorf("register webhook sink: %w", err)
		}
		logger.Info("webhook integration configured")
	}

	checker := &liveSubscriptionChecker{}
	watchdog := availability.New(config.CheckInterval, config.AvailabilityTimeout, checker, fanOut)

	subs := subscription.New(cfg.MaxSubscriptionsPerDevice, config.ResubscribeWindow, watchdog)
	checker.m = subs

	messageBus.Subscribe(&subscriptionPublisher{m: subs})
	messageBus.Subscribe(fanOut)

	facade := state.New(objectStore)

	holdMax := config.HoldMax(time.Duration(cfg.SuspendTimeMax) * time.Second)
	deviceHandler := transport.NewHandler(objectStore, subs, watchdog, holdMax, logger)
	aux := transport.NewAuxHandlers(
		transport.EntryConfig{APIOrigin: fmt.Sprintf("%s:%d", cfg.APIOrigin, cfg.ProxyPort)},
		auth, auth,
	)

	deviceMux := http.NewServeMux()
	deviceMux.Handle("/nest/transport", deviceHandler)
	deviceMux.HandleFunc("/nest/entry", aux.Entry)
	deviceMux.HandleFunc("/nest/passphrase", aux.Passphrase)
	deviceMux.HandleFunc("/nest/ping", aux.Ping)
	deviceMux.HandleFunc("/nest/upload", aux.Upload)
	deviceMux.HandleFunc("/nest/weather/v1", aux.Weather)

	controlMux := http.NewServeMux()
	requireAPIKey := control.RequireAPIKey(auth, logger)
	controlMux.Handle("/control/state", requireAPIKey(&controlStateHandler{facade: facade}))
	controlMux.Handle("/control/devices/owner", requireAPIKey(&control.DeviceOwnerHandler{Owners: auth}))
	controlMux.Handle("/control/devices/share", requireAPIKey(&control.ShareHandler{Owners: auth, Shares: auth}))

	devSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ProxyPort),
		Handler: transport.DebugLoggingMiddleware(cfg.DebugLogging, logger)(deviceMux),
	}
	ctrlSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ControlPort),
		Handler: transport.DebugLoggingMiddleware(cfg.DebugLogging, logger)(controlMux),
	}

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		watchdog.Run()
		return nil
	})

	grp.Go(func() error {
		logger.WithField("addr", devSrv.Addr).Info("device transport listening")
		if err := devSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("device server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		logger.WithField("addr", ctrlSrv.Addr).Info("control api listening")
		if err := ctrlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = devSrv.Shutdown(shutdownCtx)
		_ = ctrlSrv.Shutdown(shutdownCtx)
		watchdog.Stop()
		return ctx.Err()
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// controlStateWriteRequest is the control API's write path onto the
// State Service Facade: every control-API write funnels through it, the
// same as a device write. Safety bounds and the owner's structure id are
// supplied by the caller, since the dashboard/automation side owns that
// device-configuration bookkeeping; this repo's concurrency core only
// enforces the invariants, not the user/structure storage behind them.
type controlStateWriteRequest struct {
	Serial           string                 `json:"serial"`
	OwnerStructureID string                 `json:"owner_structure_id"`
	Safety           state.SafetyBounds     `json:"safety"`
	Writes           []controlStateWriteOne `json:"writes"`
}

type controlStateWriteOne struct {
	ObjectKey      string       `json:"object_key"`
	Value          model.Value  `json:"value"`
	ClientRevision int64        `json:"client_revision"`
}

type controlStateWriteResponse struct {
	Objects []model.WireObject `json:"objects"`
}

type controlStateHandler struct {
	facade *state.Facade
}

func (h *controlStateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req controlStateWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.Serial == "" {
		http.Error(w, "serial is required", http.StatusBadRequest)
		return
	}

	writes := make([]state.Write, 0, len(req.Writes))
	for _, one := range req.Writes {
		writes = append(writes, state.Write{
			ObjectKey:      one.ObjectKey,
			Value:          one.Value,
			ClientRevision: one.ClientRevision,
		})
	}

	ctx := state.DeviceContext{Safety: req.Safety, OwnerStructureID: req.OwnerStructureID}
	applied, err := h.facade.ApplyWrites(req.Serial, writes, ctx, time.Now().UnixMilli())
	if err != nil {
		var invariant *state.ErrInvariantViolation
		if errors.As(err, &invariant) {
			http.Error(w, invariant.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "state write failed", http.StatusInternalServerError)
		return
	}

	wire := make([]model.WireObject, 0, len(applied))
	for _, o := range applied {
		wire = append(wire, o.ToWire())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(controlStateWriteResponse{Objects: wire})
}

func mqttBrokerURL(cfg *config.Config) string {
	port := cfg.MQTTPort
	if port == 0 {
		port = 1883
	}
	u := url.URL{Scheme: "mqtt", Host: fmt.Sprintf("%s:%d", cfg.MQTTHost, port)}
	if cfg.MQTTUser != "" {
		u.User = url.UserPassword(cfg.MQTTUser, cfg.MQTTPassword)
	}
	return u.String()
}
