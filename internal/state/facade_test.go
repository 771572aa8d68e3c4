package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjserio/nolongerevil/internal/model"
	"github.com/cjserio/nolongerevil/internal/store"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestApplyWritesAssignsIncrementingRevisions(t *testing.T) {
	f := newTestFacade(t)

	applied, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "device.AAA", Value: model.Value{"target_temperature": 21.0}},
	}, DeviceContext{}, 1000)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, int64(1), applied[0].Revision)

	applied, err = f.ApplyWrites("AAA", []Write{
		{ObjectKey: "device.AAA", Value: model.Value{"target_temperature": 22.0}},
	}, DeviceContext{}, 2000)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, int64(2), applied[0].Revision)
}

func TestApplyWritesHonorsClientRevision(t *testing.T) {
	f := newTestFacade(t)

	applied, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "device.AAA", Value: model.Value{"v": 1.0}, ClientRevision: 9},
	}, DeviceContext{}, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(10), applied[0].Revision)
}

// Writes outside the configured safety bounds are rejected, not clamped
// toward the nearest bound.
func TestTemperatureSafetyRejectsOutOfBoundsWrite(t *testing.T) {
	f := newTestFacade(t)
	bounds := SafetyBounds{MinSafety: 10, MaxSafety: 32}

	_, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "device.AAA", Value: model.Value{"target_temperature": 40.0}},
	}, DeviceContext{Safety: bounds}, 1000)
	require.Error(t, err)
	var violation *ErrInvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "device.AAA", violation.ObjectKey)
}

func TestTemperatureSafetyAllowsInBoundsWrite(t *testing.T) {
	f := newTestFacade(t)
	bounds := SafetyBounds{MinSafety: 10, MaxSafety: 32}

	applied, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "device.AAA", Value: model.Value{"target_temperature": 21.0}},
	}, DeviceContext{Safety: bounds}, 1000)
	require.NoError(t, err)
	assert.Len(t, applied, 1)
}

// Writing unrelated fields must not clobber a previously-stored fan
// timer.
func TestFanTimerPreservedWhenNotTouched(t *testing.T) {
	f := newTestFacade(t)

	_, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "shared.AAA", Value: model.Value{"fan_timer_active": true, "fan_timer_timeout": 1800.0}},
	}, DeviceContext{}, 1000)
	require.NoError(t, err)

	applied, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "shared.AAA", Value: model.Value{"target_temperature": 23.0}},
	}, DeviceContext{}, 2000)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, true, applied[0].Value["fan_timer_active"])
	assert.Equal(t, 1800.0, applied[0].Value["fan_timer_timeout"])
	assert.Equal(t, 23.0, applied[0].Value["target_temperature"])
}

func TestFanTimerReplacedWhenTouched(t *testing.T) {
	f := newTestFacade(t)

	_, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "shared.AAA", Value: model.Value{"fan_timer_active": true, "fan_timer_timeout": 1800.0}},
	}, DeviceContext{}, 1000)
	require.NoError(t, err)

	applied, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "shared.AAA", Value: model.Value{"fan_timer_active": false}},
	}, DeviceContext{}, 2000)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, false, applied[0].Value["fan_timer_active"])
	_, stillHasTimeout := applied[0].Value["fan_timer_timeout"]
	assert.False(t, stillHasTimeout, "touching one fan-timer field replaces the caller-supplied set, not merges it")
}

// A device object written without structure_id gets the owner's first
// structure id assigned.
func TestStructureAssignmentFillsWhenMissing(t *testing.T) {
	f := newTestFacade(t)

	applied, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "device.AAA", Value: model.Value{"name": "Living Room"}},
	}, DeviceContext{OwnerStructureID: "structure-1"}, 1000)
	require.NoError(t, err)
	assert.Equal(t, "structure-1", applied[0].Value["structure_id"])
}

// Structure assignment only touches device objects; a shared object
// write must never pick up structure_id, even with an owner structure.
func TestStructureAssignmentDoesNotApplyToSharedObjects(t *testing.T) {
	f := newTestFacade(t)

	applied, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "shared.AAA", Value: model.Value{"fan_timer_active": true}},
	}, DeviceContext{OwnerStructureID: "structure-1"}, 1000)
	require.NoError(t, err)
	_, hasStructureID := applied[0].Value["structure_id"]
	assert.False(t, hasStructureID, "structure assignment must not apply to non-device object keys")
}

func TestStructureAssignmentDoesNotOverrideExplicit(t *testing.T) {
	f := newTestFacade(t)

	applied, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "device.AAA", Value: model.Value{"structure_id": "explicit-structure"}},
	}, DeviceContext{OwnerStructureID: "structure-1"}, 1000)
	require.NoError(t, err)
	assert.Equal(t, "explicit-structure", applied[0].Value["structure_id"])
}

func TestApplyWritesRejectsWholeBatchOnViolation(t *testing.T) {
	f := newTestFacade(t)
	bounds := SafetyBounds{MinSafety: 10, MaxSafety: 32}

	_, err := f.ApplyWrites("AAA", []Write{
		{ObjectKey: "device.AAA", Value: model.Value{"name": "ok"}},
		{ObjectKey: "device.AAA", Value: model.Value{"target_temperature": 99.0}},
	}, DeviceContext{Safety: bounds}, 1000)
	require.Error(t, err)

	applied, err := f.ApplyWrites("AAA", []Write{{ObjectKey: "device.AAA", Value: model.Value{"probe": true}}}, DeviceContext{}, 2000)
	require.NoError(t, err)
	_, hasName := applied[0].Value["name"]
	assert.False(t, hasName, "the rejected batch's first entry must not have been upserted")
}
