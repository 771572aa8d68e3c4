// Package authstore provides sqlite-backed implementations of the
// control-API-adjacent interfaces declared in internal/model: EntryKeyStore,
// APIKeyStore, WeatherCache, DeviceOwnerStore, and ShareStore. These sit
// outside the concurrency core and are exposed only as interfaces there.
// Schema and connection handling follow the same sqlite-via-database/sql
// shape as internal/store.Store: Open, migrate, and simple CRUD over
// database/sql.
package authstore

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cjserio/nolongerevil/internal/model"
)

// Store backs EntryKeyStore, APIKeyStore, and WeatherCache with a single
// sqlite file. Given the same path as the Object Store it uses the same
// database file, through its own separate connection.
// defaultWeatherTTLMillis is the freshness window Get treats rows under.
const defaultWeatherTTLMillis = 600000

type Store struct {
	db         *sql.DB
	weatherTTL int64
}

// Open opens (creating if necessary) the auth/weather tables at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db, weatherTTL: defaultWeatherTTLMillis}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS entry_keys (
		code       TEXT PRIMARY KEY,
		serial     TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS api_keys (
		id            TEXT PRIMARY KEY,
		hashed_key    TEXT NOT NULL UNIQUE,
		owner_id      TEXT NOT NULL,
		last_used_at  INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS weather_cache (
		location   TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		fetched_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS device_owners (
		serial       TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		structure_id TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS shares (
		serial     TEXT NOT NULL,
		owner_id   TEXT NOT NULL,
		grantee_id TEXT NOT NULL,
		can_write  INTEGER NOT NULL,
		PRIMARY KEY (serial, grantee_id)
	);
	`)
	return err
}

// --- EntryKeyStore -----------------------------------------------------

// Issue mints a random numeric pairing code for serial, valid for
// ttlSeconds.
func (s *Store) Issue(serial string, ttlSeconds int) (model.EntryKey, error) {
	code, err := randomDigits(6)
	if err != nil {
		return model.EntryKey{}, fmt.Errorf("generate pairing code: %w", err)
	}
	key := model.EntryKey{
		Code:      code,
		Serial:    serial,
		ExpiresAt: time.Now().UnixMilli() + int64(ttlSeconds)*1000,
	}
	_, err = s.db.Exec(
		`INSERT INTO entry_keys (code, serial, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (code) DO UPDATE SET serial = excluded.serial, expires_at = excluded.expires_at`,
		key.Code, key.Serial, key.ExpiresAt,
	)
	if err != nil {
		return model.EntryKey{}, fmt.Errorf("store pairing code: %w", err)
	}
	return key, nil
}

// Redeem looks up code and reports whether it exists and has not
// expired. Redeeming does not delete the row, so a code can be redeemed
// again until it expires.
func (s *Store) Redeem(code string) (model.EntryKey, bool, error) {
	var key model.EntryKey
	err := s.db.QueryRow(`SELECT code, serial, expires_at FROM entry_keys WHERE code = ?`, code).
		Scan(&key.Code, &key.Serial, &key.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EntryKey{}, false, nil
	}
	if err != nil {
		return model.EntryKey{}, false, fmt.Errorf("read pairing code: %w", err)
	}
	if key.ExpiresAt < time.Now().UnixMilli() {
		return model.EntryKey{}, false, nil
	}
	return key, true, nil
}

// --- APIKeyStore --------------------------------------------------------

// Validate hashes rawKey and looks up a matching API key.
// Keys are hashed at rest; only the hash is ever stored or compared.
func (s *Store) Validate(rawKey string) (model.APIKey, bool, error) {
	hashed := hashKey(rawKey)
	var key model.APIKey
	err := s.db.QueryRow(
		`SELECT id, hashed_key, owner_id, last_used_at FROM api_keys WHERE hashed_key = ?`, hashed,
	).Scan(&key.ID, &key.HashedKey, &key.OwnerID, &key.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.APIKey{}, false, nil
	}
	if err != nil {
		return model.APIKey{}, false, fmt.Errorf("validate api key: %w", err)
	}
	return key, true, nil
}

// TouchLastUsed updates an API key's last_used_at timestamp; every
// successful Validate call should be followed by one of these.
func (s *Store) TouchLastUsed(id string, atMillis int64) error {
	_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, atMillis, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// IssueAPIKey creates a new API key for ownerID and returns the raw key
// the caller must show the user exactly once; only its hash is stored.
func (s *Store) IssueAPIKey(id, ownerID string) (string, error) {
	raw, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO api_keys (id, hashed_key, owner_id, last_used_at) VALUES (?, ?, ?, 0)`,
		id, hashKey(raw), ownerID,
	)
	if err != nil {
		return "", fmt.Errorf("store api key: %w", err)
	}
	return raw, nil
}

func hashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// --- WeatherCache --------------------------------------------------------

// SetWeatherTTL overrides the freshness window, e.g. from configuration.
func (s *Store) SetWeatherTTL(ttlMillis int64) { s.weatherTTL = ttlMillis }

// Get returns the cached payload for location and whether it is still
// fresh under the configured TTL.
func (s *Store) Get(location string) ([]byte, bool) {
	var payload []byte
	var fetchedAt int64
	err := s.db.QueryRow(`SELECT payload, fetched_at FROM weather_cache WHERE location = ?`, location).
		Scan(&payload, &fetchedAt)
	if err != nil {
		return nil, false
	}
	if time.Now().UnixMilli()-fetchedAt > s.weatherTTL {
		return payload, false
	}
	return payload, true
}

// Put stores payload for location as fetched at atMillis. An external
// weather proxy collaborator is expected to call this on a refresh
// schedule; it is not implemented in this repo.
func (s *Store) Put(location string, payload []byte, atMillis int64) {
	_, _ = s.db.Exec(
		`INSERT INTO weather_cache (location, payload, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT (location) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`,
		location, payload, atMillis,
	)
}

// --- DeviceOwnerStore ---------------------------------------------------

// AssignOwner records serial as belonging to ownerID in structureID,
// overwriting any prior assignment.
func (s *Store) AssignOwner(serial, ownerID, structureID string) (model.DeviceOwner, error) {
	owner := model.DeviceOwner{Serial: serial, OwnerID: ownerID, StructureID: structureID}
	_, err := s.db.Exec(
		`INSERT INTO device_owners (serial, owner_id, structure_id) VALUES (?, ?, ?)
		 ON CONFLICT (serial) DO UPDATE SET owner_id = excluded.owner_id, structure_id = excluded.structure_id`,
		owner.Serial, owner.OwnerID, owner.StructureID,
	)
	if err != nil {
		return model.DeviceOwner{}, fmt.Errorf("assign device owner: %w", err)
	}
	return owner, nil
}

// GetOwner looks up the recorded owner of serial, if any.
func (s *Store) GetOwner(serial string) (model.DeviceOwner, bool, error) {
	var owner model.DeviceOwner
	err := s.db.QueryRow(`SELECT serial, owner_id, structure_id FROM device_owners WHERE serial = ?`, serial).
		Scan(&owner.Serial, &owner.OwnerID, &owner.StructureID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviceOwner{}, false, nil
	}
	if err != nil {
		return model.DeviceOwner{}, false, fmt.Errorf("read device owner: %w", err)
	}
	return owner, true, nil
}

// --- ShareStore -----------------------------------------------------------

// Grant gives granteeID access to serial, owned by ownerID, replacing
// any prior grant to the same grantee.
func (s *Store) Grant(serial, ownerID, granteeID string, canWrite bool) (model.Share, error) {
	share := model.Share{Serial: serial, OwnerID: ownerID, GranteeID: granteeID, CanWrite: canWrite}
	_, err := s.db.Exec(
		`INSERT INTO shares (serial, owner_id, grantee_id, can_write) VALUES (?, ?, ?, ?)
		 ON CONFLICT (serial, grantee_id) DO UPDATE SET owner_id = excluded.owner_id, can_write = excluded.can_write`,
		share.Serial, share.OwnerID, share.GranteeID, share.CanWrite,
	)
	if err != nil {
		return model.Share{}, fmt.Errorf("grant share: %w", err)
	}
	return share, nil
}

// Revoke removes granteeID's access to serial, if any.
func (s *Store) Revoke(serial, granteeID string) error {
	_, err := s.db.Exec(`DELETE FROM shares WHERE serial = ? AND grantee_id = ?`, serial, granteeID)
	if err != nil {
		return fmt.Errorf("revoke share: %w", err)
	}
	return nil
}

// ListByGrantee returns every share granted to granteeID.
func (s *Store) ListByGrantee(granteeID string) ([]model.Share, error) {
	rows, err := s.db.Query(`SELECT serial, owner_id, grantee_id, can_write FROM shares WHERE grantee_id = ?`, granteeID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var shares []model.Share
	for rows.Next() {
		var share model.Share
		if err := rows.Scan(&share.Serial, &share.OwnerID, &share.GranteeID, &share.CanWrite); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		shares = append(shares, share)
	}
	return shares, rows.Err()
}

func randomDigits(n int) (string, error) {
	const digits = "0123456789"
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		out[i] = digits[idx.Int64()]
	}
	return string(out), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

var _ model.EntryKeyStore = (*Store)(nil)
var _ model.APIKeyStore = (*Store)(nil)
var _ model.WeatherCache = (*Store)(nil)
var _ model.DeviceOwnerStore = (*Store)(nil)
var _ model.ShareStore = (*Store)(nil)
