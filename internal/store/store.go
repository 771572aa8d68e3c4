// Package store implements the Object Store: a versioned, per-device
// object table with monotonically increasing revisions and a publish
// hook fired on every accepted write.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cjserio/nolongerevil/internal/model"
)

// Publisher is notified with the set of objects that were actually
// written. Notify is called after the write is visible to subsequent
// reads.
type Publisher interface {
	Notify(serial string, changed []model.Object)
}

// Store is the Object Store. It is safe for concurrent use: writes to
// different (serial, object_key) pairs proceed in parallel, while writes
// to the same pair are totally ordered via a striped lock table.
type Store struct {
	db        *sql.DB
	publisher Publisher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens (creating if necessary) the sqlite-backed object store at
// dbPath and runs its schema migration: a states(serial, object_key,
// revision, timestamp, value, updated_at) table.
func Open(dbPath string, publisher Publisher) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{
		db:        db,
		publisher: publisher,
		locks:     make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS states (
		serial     TEXT NOT NULL,
		object_key TEXT NOT NULL,
		revision   INTEGER NOT NULL,
		timestamp  INTEGER NOT NULL,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (serial, object_key)
	);
	CREATE INDEX IF NOT EXISTS states_by_serial ON states(serial);
	`)
	return err
}

func keyFor(serial, objectKey string) string {
	return serial + "\x00" + objectKey
}

// lockFor returns the mutex striping a single (serial, object_key) pair,
// creating it on first use. The map itself is guarded separately from the
// per-key mutexes so that unrelated keys never contend.
func (s *Store) lockFor(serial, objectKey string) *sync.Mutex {
	k := keyFor(serial, objectKey)
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[k]
	if !ok {
		m = &sync.Mutex{}
		s.locks[k] = m
	}
	return m
}

// UpsertResult reports whether an Upsert call actually wrote.
type UpsertResult int

const (
	Written UpsertResult = iota
	Stale
)

// Upsert atomically writes obj if its revision exceeds the stored
// revision for (obj.Serial, obj.ObjectKey); otherwise it returns Stale
// without any side effect. On Written it publishes to the configured
// Publisher before returning.
func (s *Store) Upsert(obj model.Object) (UpsertResult, error) {
	lock := s.lockFor(obj.Serial, obj.ObjectKey)
	lock.Lock()
	defer lock.Unlock()

	var storedRevision int64
	err := s.db.QueryRow(
		`SELECT revision FROM states WHERE serial = ? AND object_key = ?`,
		obj.Serial, obj.ObjectKey,
	).Scan(&storedRevision)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Stale, fmt.Errorf("read stored revision: %w", err)
	}
	if err == nil && storedRevision >= obj.Revision {
		return Stale, nil
	}

	payload, err := json.Marshal(obj.Value)
	if err != nil {
		return Stale, fmt.Errorf("marshal value: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO states (serial, object_key, revision, timestamp, value, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (serial, object_key) DO UPDATE
		 SET revision = excluded.revision, timestamp = excluded.timestamp,
		     value = excluded.value, updated_at = excluded.updated_at`,
		obj.Serial, obj.ObjectKey, obj.Revision, obj.Timestamp, string(payload), obj.UpdatedAt,
	)
	if err != nil {
		return Stale, fmt.Errorf("write object: %w", err)
	}

	if s.publisher != nil {
		s.publisher.Notify(obj.Serial, []model.Object{obj.Clone()})
	}
	return Written, nil
}

// Get reads a single object. ok is false if no object exists for the key.
func (s *Store) Get(serial, objectKey string) (model.Object, bool, error) {
	row := s.db.QueryRow(
		`SELECT revision, timestamp, value, updated_at FROM states WHERE serial = ? AND object_key = ?`,
		serial, objectKey,
	)
	obj, err := scanObject(row, serial, objectKey)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Object{}, false, nil
	}
	if err != nil {
		return model.Object{}, false, err
	}
	return obj, true, nil
}

// ListBySerial returns every object stored for serial, in no particular
// order.
func (s *Store) ListBySerial(serial string) ([]model.Object, error) {
	rows, err := s.db.Query(
		`SELECT object_key, revision, timestamp, value, updated_at FROM states WHERE serial = ?`,
		serial,
	)
	if err != nil {
		return nil, fmt.Errorf("list by serial: %w", err)
	}
	defer rows.Close()

	var out []model.Object
	for rows.Next() {
		var (
			objectKey string
			revision  int64
			timestamp int64
			payload   string
			updatedAt int64
		)
		if err := rows.Scan(&objectKey, &revision, &timestamp, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		var value model.Value
		if err := json.Unmarshal([]byte(payload), &value); err != nil {
			return nil, fmt.Errorf("unmarshal value: %w", err)
		}
		out = append(out, model.Object{
			Serial: serial, ObjectKey: objectKey, Revision: revision,
			Timestamp: timestamp, Value: value, UpdatedAt: updatedAt,
		})
	}
	return out, rows.Err()
}

// Delete removes a single object. It reports whether a row was removed.
func (s *Store) Delete(serial, objectKey string) (bool, error) {
	lock := s.lockFor(serial, objectKey)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.Exec(`DELETE FROM states WHERE serial = ? AND object_key = ?`, serial, objectKey)
	if err != nil {
		return false, fmt.Errorf("delete object: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteDevice removes every object stored for serial and returns the
// count removed.
func (s *Store) DeleteDevice(serial string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM states WHERE serial = ?`, serial)
	if err != nil {
		return 0, fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanObject(row rowScanner, serial, objectKey string) (model.Object, error) {
	var (
		revision  int64
		timestamp int64
		payload   string
		updatedAt int64
	)
	if err := row.Scan(&revision, &timestamp, &payload, &updatedAt); err != nil {
		return model.Object{}, err
	}
	var value model.Value
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return model.Object{}, fmt.Errorf("unmarshal value: %w", err)
	}
	return model.Object{
		Serial: serial, ObjectKey: objectKey, Revision: revision,
		Timestamp: timestamp, Value: value, UpdatedAt: updatedAt,
	}, nil
}
