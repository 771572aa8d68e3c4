package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cjserio/nolongerevil/internal/model"
)

// EntryConfig supplies the URLs advertised by /nest/entry. APIOrigin must
// carry an explicit port even when it is the scheme default: the device
// firmware locates the port by scanning the string backwards for ":"
// followed by digits, and falls back to a stale cached value if it finds
// none.
type EntryConfig struct {
	APIOrigin string
}

// AuxHandlers serves the auxiliary device endpoints specified only by
// contract: /nest/entry, /nest/passphrase, /nest/ping, /nest/upload,
// /nest/weather/...
type AuxHandlers struct {
	entry   EntryConfig
	keys    model.EntryKeyStore
	weather model.WeatherCache
}

// NewAuxHandlers constructs the auxiliary handler set.
func NewAuxHandlers(entry EntryConfig, keys model.EntryKeyStore, weather model.WeatherCache) *AuxHandlers {
	return &AuxHandlers{entry: entry, keys: keys, weather: weather}
}

// Entry serves /nest/entry: a discovery document naming the transport,
// passphrase, ping, weather, upload, and pro-info URLs.
func (a *AuxHandlers) Entry(w http.ResponseWriter, r *http.Request) {
	origin := a.entry.APIOrigin
	doc := map[string]string{
		"czfe_url":             origin + "/nest/transport",
		"transport_url":        origin + "/nest/transport",
		"direct_transport_url": origin + "/nest/transport",
		"passphrase_url":       origin + "/nest/passphrase",
		"ping_url":             origin + "/nest/ping",
		"pro_info_url":         origin + "/nest/pro_info",
		"weather_url":          origin + "/nest/weather/v1?query=",
		"upload_url":           origin + "/nest/upload",
	}
	writeJSON(w, http.StatusOK, doc)
}

// Passphrase serves /nest/passphrase: issues a short-lived pairing code
// for the requesting serial, valid for 3600 seconds regardless of the
// entry_key_ttl_seconds setting. Returns `{value, expires}`.
func (a *AuxHandlers) Passphrase(w http.ResponseWriter, r *http.Request) {
	serial := r.Header.Get(deviceSerialHeader)
	if serial == "" {
		http.Error(w, "missing device identity", http.StatusUnauthorized)
		return
	}
	key, err := a.keys.Issue(serial, 3600)
	if err != nil {
		http.Error(w, "failed to issue pairing code", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"value":   key.Code,
		"expires": key.ExpiresAt,
	})
}

// Ping serves /nest/ping: `{status: "ok", timestamp: epoch_ms}`.
func (a *AuxHandlers) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// Upload serves /nest/upload: 200-on-read, with no request body semantics
// defined beyond accepting and acknowledging it.
func (a *AuxHandlers) Upload(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Weather serves /nest/weather/...: the cached weather payload for the
// query's location, if fresh. Keeping the cache populated from an
// upstream weather provider is out of scope for this handler, which
// only ever reads model.WeatherCache.
func (a *AuxHandlers) Weather(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("query")
	payload, fresh := a.weather.Get(location)
	if !fresh {
		http.Error(w, "weather unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing left to do but note it would
		// have been a malformed response.
		fmt.Fprintf(w, `{"error":"encoding failure"}`)
	}
}
