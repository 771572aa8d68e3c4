package control

import (
	"encoding/json"
	"net/http"

	"github.com/cjserio/nolongerevil/internal/model"
)

// DeviceOwnerHandler exposes device ownership assignment and lookup. It
// sits behind RequireAPIKey; the authenticated key's owner becomes the
// recorded owner on assignment.
type DeviceOwnerHandler struct {
	Owners model.DeviceOwnerStore
}

type assignOwnerRequest struct {
	Serial      string `json:"serial"`
	StructureID string `json:"structure_id"`
}

func (h *DeviceOwnerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "missing authenticated owner", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		serial := r.URL.Query().Get("serial")
		if serial == "" {
			http.Error(w, "serial is required", http.StatusBadRequest)
			return
		}
		got, found, err := h.Owners.GetOwner(serial)
		if err != nil {
			http.Error(w, "device owner lookup failed", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "no owner recorded for serial", http.StatusNotFound)
			return
		}
		writeJSON(w, got)
	case http.MethodPost:
		var req assignOwnerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		if req.Serial == "" {
			http.Error(w, "serial is required", http.StatusBadRequest)
			return
		}
		assigned, err := h.Owners.AssignOwner(req.Serial, owner, req.StructureID)
		if err != nil {
			http.Error(w, "device owner assignment failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, assigned)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ShareHandler grants, revokes, and lists device shares. Granting and
// revoking are scoped to devices the authenticated caller owns.
type ShareHandler struct {
	Owners model.DeviceOwnerStore
	Shares model.ShareStore
}

type shareRequest struct {
	Serial    string `json:"serial"`
	GranteeID string `json:"grantee_id"`
	CanWrite  bool   `json:"can_write"`
}

func (h *ShareHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "missing authenticated owner", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		shares, err := h.Shares.ListByGrantee(owner)
		if err != nil {
			http.Error(w, "share lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, shares)
	case http.MethodPost:
		var req shareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		if req.Serial == "" || req.GranteeID == "" {
			http.Error(w, "serial and grantee_id are required", http.StatusBadRequest)
			return
		}
		if !h.requesterOwns(req.Serial, owner) {
			http.Error(w, "device not owned by authenticated caller", http.StatusForbidden)
			return
		}
		share, err := h.Shares.Grant(req.Serial, owner, req.GranteeID, req.CanWrite)
		if err != nil {
			http.Error(w, "grant failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, share)
	case http.MethodDelete:
		serial := r.URL.Query().Get("serial")
		granteeID := r.URL.Query().Get("grantee_id")
		if serial == "" || granteeID == "" {
			http.Error(w, "serial and grantee_id are required", http.StatusBadRequest)
			return
		}
		if !h.requesterOwns(serial, owner) {
			http.Error(w, "device not owned by authenticated caller", http.StatusForbidden)
			return
		}
		if err := h.Shares.Revoke(serial, granteeID); err != nil {
			http.Error(w, "revoke failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ShareHandler) requesterOwns(serial, owner string) bool {
	recorded, found, err := h.Owners.GetOwner(serial)
	return err == nil && found && recorded.OwnerID == owner
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
