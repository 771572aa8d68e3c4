// Package transport implements the device-facing HTTP surface: the
// long-poll observe handler and the auxiliary /nest/... endpoints.
// Handler routing is stdlib net/http, with logrus request fields for
// error-wrapping and logging.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cjserio/nolongerevil/internal/model"
	"github.com/cjserio/nolongerevil/internal/store"
	"github.com/cjserio/nolongerevil/internal/subscription"
)

// deviceSerialHeader identifies the calling device. Thermostats
// authenticate the observe connection via a client certificate in
// production deployments; this repo's cert_dir config option reserves
// that slot, but issuing and validating device certificates is outside
// scope. Until that's wired up, the reverse proxy terminating TLS is
// expected to forward the verified device identity in this header.
const deviceSerialHeader = "X-Device-Serial"

// ActivityReporter is notified that a serial was seen: every transport
// event updates the Availability Watchdog.
type ActivityReporter interface {
	MarkSeen(serial string)
}

// Handler serves the device long-poll observe endpoint.
type Handler struct {
	store   *store.Store
	subs    *subscription.Manager
	watch   ActivityReporter
	holdMax time.Duration
	logger  *logrus.Logger
}

// NewHandler constructs a device transport Handler. holdMax is the
// long-poll deadline, 0.80 × suspend_time_max.
func NewHandler(objectStore *store.Store, subs *subscription.Manager, watch ActivityReporter, holdMax time.Duration, logger *logrus.Logger) *Handler {
	return &Handler{store: objectStore, subs: subs, watch: watch, holdMax: holdMax, logger: logger}
}

type observeRequest struct {
	Objects []observeEntry `json:"objects"`
}

type observeEntry struct {
	ObjectKey      string `json:"object_key"`
	ObjectRevision int64  `json:"object_revision"`
}

type observeResponse struct {
	Objects []model.WireObject `json:"objects"`
}

// ServeHTTP implements the device long-poll observe contract.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serial := r.Header.Get(deviceSerialHeader)
	if serial == "" {
		http.Error(w, "missing device identity", http.StatusUnauthorized)
		return
	}

	// Step 1 + "every transport event updates the Availability Watchdog".
	if h.watch != nil {
		h.watch.MarkSeen(serial)
	}

	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed observe request", http.StatusBadRequest)
		return
	}

	// Step 2: compute immediate deltas.
	watched := make(map[string]int64, len(req.Objects))
	var immediate []model.Object
	for _, entry := range req.Objects {
		watched[entry.ObjectKey] = entry.ObjectRevision

		stored, ok, err := h.store.Get(serial, entry.ObjectKey)
		if err != nil {
			h.logger.WithError(err).WithField("object_key", entry.ObjectKey).Warn("transport: store read failed")
			http.Error(w, "backing store unavailable", http.StatusServiceUnavailable)
			return
		}
		if ok && stored.Revision > entry.ObjectRevision {
			immediate = append(immediate, stored)
			watched[entry.ObjectKey] = stored.Revision
		}
	}

	// Step 3: fresh-subscribe fast path.
	if len(immediate) > 0 && !h.subs.IsResubscribe(serial) {
		writeDeltas(w, immediate)
		return
	}

	// Step 4 + 5: register and hold.
	sub, err := h.subs.Subscribe(serial, r.Header.Get("X-Device-Session-Id"), watched)
	if err != nil {
		http.Error(w, "subscription limit reached", http.StatusTooManyRequests)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.holdMax)
	defer cancel()

	delta, outcome := h.subs.Wait(ctx, sub)
	switch outcome {
	case subscription.Delivered:
		writeDeltas(w, delta)
	case subscription.TimedOut:
		writeDeltas(w, nil)
	case subscription.Cancelled:
		// Client dropped the TCP connection; there is nothing to write to.
	}
}

func writeDeltas(w http.ResponseWriter, objs []model.Object) {
	wire := make([]model.WireObject, 0, len(objs))
	for _, o := range objs {
		wire = append(wire, o.ToWire())
	}
	resp := observeResponse{Objects: wire}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
