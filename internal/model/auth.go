package model

// The types below back the control API's companion tables (sessions,
// users, entry keys, device owners, API keys, device shares, share
// invites, integrations, weather, logs). They sit outside the
// concurrency core and are kept to a minimal struct plus store interface
// rather than a full control-API implementation.

// EntryKey is a short-lived pairing code a device exchanges for a session.
type EntryKey struct {
	Code      string
	Serial    string
	ExpiresAt int64 // epoch milliseconds
}

// EntryKeyStore mints and validates pairing codes. An operator-facing
// CLI to request a code interactively is out of scope here; only the
// store interface the device-facing /nest/passphrase handler consumes is
// in scope.
type EntryKeyStore interface {
	Issue(serial string, ttlSeconds int) (EntryKey, error)
	Redeem(code string) (EntryKey, bool, error)
}

// User is an account that owns or shares devices.
type User struct {
	ID    string
	Email string
}

// Structure groups devices belonging to one installation site (GLOSSARY).
type Structure struct {
	ID      string
	OwnerID string
}

// DeviceOwner associates a serial with the structure it was assigned to
// by the State Service Facade's structure-assignment invariant.
type DeviceOwner struct {
	Serial      string
	OwnerID     string
	StructureID string
}

// DeviceOwnerStore records which user owns a device and which structure
// it belongs to.
type DeviceOwnerStore interface {
	AssignOwner(serial, ownerID, structureID string) (DeviceOwner, error)
	GetOwner(serial string) (DeviceOwner, bool, error)
}

// Share grants a user read/write access to a device owned by someone else.
type Share struct {
	Serial    string
	OwnerID   string
	GranteeID string
	CanWrite  bool
}

// ShareStore grants, revokes, and lists device shares.
type ShareStore interface {
	Grant(serial, ownerID, granteeID string, canWrite bool) (Share, error)
	Revoke(serial, granteeID string) error
	ListByGrantee(granteeID string) ([]Share, error)
}

// APIKey authenticates a control-API caller. Keys are hashed at rest;
// LastUsedAt is updated on every successful validation.
type APIKey struct {
	ID         string
	HashedKey  string
	OwnerID    string
	LastUsedAt int64
}

// APIKeyStore validates and tracks control-API credentials.
type APIKeyStore interface {
	Validate(rawKey string) (APIKey, bool, error)
	TouchLastUsed(id string, atMillis int64) error
}

// IntegrationConfig is the persisted configuration for one Integration
// Fan-out sink (e.g. the MQTT broker URL and topic prefix it was
// constructed with). Concrete sinks are composed from this at startup.
type IntegrationConfig struct {
	Name   string
	Kind   string // e.g. "mqtt", "webhook"
	Params map[string]string
}

// WeatherCache is the cached response the device-facing /nest/weather/...
// handler serves. The upstream weather fetch itself is an external
// collaborator's job; this repo only defines the read/write interface
// for the cache that collaborator populates.
type WeatherCache interface {
	Get(location string) (payload []byte, fresh bool)
	Put(location string, payload []byte, atMillis int64)
}
