// Package model defines the wire-level data types shared by the store,
// subscription manager, transport handler, and state facade: the device
// object and the deltas computed from it.
package model

// Value is the opaque structured payload carried by an Object. It is a
// nested map of strings, numbers, booleans, and arrays — anything that
// round-trips through encoding/json unchanged.
type Value = map[string]interface{}

// Object is a single (serial, object_key)-addressed device object.
type Object struct {
	Serial    string `json:"-"`
	ObjectKey string `json:"object_key"`
	Revision  int64  `json:"object_revision"`
	Timestamp int64  `json:"object_timestamp"` // millisecond wall-clock at last write
	Value     Value  `json:"value"`
	UpdatedAt int64  `json:"-"` // last write time, milliseconds
}

// Clone returns a deep-enough copy of o: the Value map and any nested maps
// are copied so that later mutation of the returned Object never reaches
// back into store-owned state.
func (o Object) Clone() Object {
	o.Value = cloneValue(o.Value)
	return o
}

func cloneValue(v Value) Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for k, val := range v {
		out[k] = cloneAny(val)
	}
	return out
}

func cloneAny(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneValue(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}

// WireObject is the exact JSON shape a device expects in an observe
// response element. Field order is load-bearing: the device firmware
// expects object_revision, object_timestamp, object_key, value in that
// order and parses positionally. Because encoding/json emits
// struct fields in declaration order, this struct's field order IS the
// wire contract — do not reorder it or insert fields ahead of Value.
type WireObject struct {
	ObjectRevision  int64  `json:"object_revision"`
	ObjectTimestamp int64  `json:"object_timestamp"`
	ObjectKey       string `json:"object_key"`
	Value           Value  `json:"value"`
}

// ToWire projects an Object into the wire shape. serial is deliberately
// dropped: the observe connection it travels over already identifies the
// device, so echoing it back in every object would be redundant.
func (o Object) ToWire() WireObject {
	return WireObject{
		ObjectRevision:  o.Revision,
		ObjectTimestamp: o.Timestamp,
		ObjectKey:       o.ObjectKey,
		Value:           o.Value,
	}
}
