// Package state implements the State Service Facade: the single write
// path in front of the Object Store. It owns the three domain invariants
// enforced on writes (temperature safety clamp, fan-timer preservation,
// structure assignment) and upserts a batch of caller-supplied writes.
// The Object Store publishes each accepted write as it is upserted, so a
// batch of N written objects reaches the Change Bus as N separate
// publishes, not as one combined publish.
//
// Every write is checked against the invariants before any upsert
// happens, comparing the incoming value against the previously stored
// one field by field to decide what a partial write is allowed to
// overwrite versus must carry forward untouched.
package state

import (
	"fmt"
	"strings"

	"github.com/cjserio/nolongerevil/internal/model"
	"github.com/cjserio/nolongerevil/internal/store"
)

// deviceObjectPrefix marks the object keys structure assignment applies
// to; shared.* and other non-device object keys are left untouched even
// when the caller's owner has a structure.
const deviceObjectPrefix = "device."

// fanTimerFields are the shared-object keys fan-timer preservation
// applies to.
var fanTimerFields = []string{"fan_timer_active", "fan_timer_timeout"}

// Write is one caller-supplied object mutation.
type Write struct {
	ObjectKey      string
	Value          model.Value
	ClientRevision int64 // 0 if the caller has no prior knowledge
}

// SafetyBounds are a device's configured heat/cool clamp limits.
type SafetyBounds struct {
	MinSafety float64
	MaxSafety float64
}

// DeviceContext supplies the per-device facts apply_writes needs to
// enforce invariants: its temperature safety bounds and its owner's
// first structure id, if any, for structure assignment.
type DeviceContext struct {
	Safety           SafetyBounds
	OwnerStructureID string // empty if the owner has no structure yet
}

// Facade is the single write path into the Object Store. Construct one
// per process; it holds no per-device state of its own beyond what it
// reads from the Store on each call.
type Facade struct {
	objectStore *store.Store
}

// New constructs a Facade backed by objectStore.
func New(objectStore *store.Store) *Facade {
	return &Facade{objectStore: objectStore}
}

// ErrInvariantViolation is returned when a write in the batch fails a
// domain invariant; the whole batch is rejected.
type ErrInvariantViolation struct {
	ObjectKey string
	Reason    string
}

func (e *ErrInvariantViolation) Error() string {
	return fmt.Sprintf("state: invariant violation on %s: %s", e.ObjectKey, e.Reason)
}

// ApplyWrites computes each entry's new revision, enforces the domain
// invariants, upserts every entry through the Object Store, and returns
// the applied objects. A violation in any entry rejects the whole batch
// before any upsert happens, so the call is all-or-nothing.
func (f *Facade) ApplyWrites(serial string, writes []Write, ctx DeviceContext, nowMillis int64) ([]model.Object, error) {
	prepared := make([]model.Object, 0, len(writes))

	for _, w := range writes {
		existing, found, err := f.objectStore.Get(serial, w.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("state: reading existing object %s: %w", w.ObjectKey, err)
		}

		value := w.Value
		if found {
			value = applyFanTimerPreservation(existing.Value, value)
		}

		if err := enforceTemperatureSafety(w.ObjectKey, value, ctx.Safety); err != nil {
			return nil, err
		}
		value = applyStructureAssignment(w.ObjectKey, value, found, existing.Value, ctx.OwnerStructureID)

		storedRevision := int64(0)
		if found {
			storedRevision = existing.Revision
		}
		newRevision := storedRevision
		if w.ClientRevision > newRevision {
			newRevision = w.ClientRevision
		}
		newRevision++

		prepared = append(prepared, model.Object{
			Serial:    serial,
			ObjectKey: w.ObjectKey,
			Revision:  newRevision,
			Timestamp: nowMillis,
			Value:     value,
		})
	}

	applied := make([]model.Object, 0, len(prepared))
	for _, obj := range prepared {
		result, err := f.objectStore.Upsert(obj)
		if err != nil {
			return nil, fmt.Errorf("state: upserting object %s: %w", obj.ObjectKey, err)
		}
		if result == store.Written {
			applied = append(applied, obj)
		}
	}
	return applied, nil
}

// enforceTemperatureSafety rejects the whole write if any heat/cool
// target temperature field present in value falls outside
// [min_safety, max_safety]; it never silently clamps toward the nearest
// bound.
func enforceTemperatureSafety(objectKey string, value model.Value, bounds SafetyBounds) error {
	if bounds.MinSafety == 0 && bounds.MaxSafety == 0 {
		return nil // no safety bounds configured for this device
	}
	for _, field := range []string{"target_temperature", "heat_target", "cool_target"} {
		raw, ok := value[field]
		if !ok {
			continue
		}
		temp, ok := raw.(float64)
		if !ok {
			continue
		}
		if temp < bounds.MinSafety || temp > bounds.MaxSafety {
			return &ErrInvariantViolation{
				ObjectKey: objectKey,
				Reason:    fmt.Sprintf("%s=%.1f outside safety bounds [%.1f, %.1f]", field, temp, bounds.MinSafety, bounds.MaxSafety),
			}
		}
	}
	return nil
}

// applyFanTimerPreservation copies forward the stored fan-timer fields
// when incoming touches none of them, so a caller writing only (say)
// target_temperature never clobbers a concurrently-set fan timer. If the
// caller supplies any fan-timer field, the caller's fan-timer fields
// replace the stored set as a whole.
func applyFanTimerPreservation(existing, incoming model.Value) model.Value {
	if existing == nil {
		return incoming
	}
	for _, field := range fanTimerFields {
		if _, callerSupplied := incoming[field]; callerSupplied {
			return incoming
		}
	}
	merged := make(model.Value, len(incoming)+len(fanTimerFields))
	for k, v := range incoming {
		merged[k] = v
	}
	for _, field := range fanTimerFields {
		if v, ok := existing[field]; ok {
			merged[field] = v
		}
	}
	return merged
}

// applyStructureAssignment fills structure_id on a device object when
// the caller omitted it and the owner already has a structure. Only
// device.* object keys are eligible; shared.* and other object kinds
// are never touched.
func applyStructureAssignment(objectKey string, incoming model.Value, existed bool, existing model.Value, ownerStructureID string) model.Value {
	if !strings.HasPrefix(objectKey, deviceObjectPrefix) {
		return incoming
	}
	if ownerStructureID == "" {
		return incoming
	}
	if _, has := incoming["structure_id"]; has {
		return incoming
	}
	if existed {
		if _, has := existing["structure_id"]; has {
			return incoming // already assigned, nothing to do
		}
	}
	merged := make(model.Value, len(incoming)+1)
	for k, v := range incoming {
		merged[k] = v
	}
	merged["structure_id"] = ownerStructureID
	return merged
}
