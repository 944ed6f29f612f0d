package smem

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// The wire form of a view is a JSON object keyed by field name, each value the
// flat window of that field. Workers send input fields; replies carry only the
// non-input fields, so a worker can never clobber its own inputs.

func marshal(v *View, keep func(Field) bool) ([]byte, error) {
	out := make(map[string]any, len(v.mem.schema.fields))
	for _, f := range v.mem.schema.fields {
		if !keep(f) {
			continue
		}
		switch f.DType {
		case Float32:
			out[f.Name] = v.Float32(f.Name)
		case Int32:
			out[f.Name] = v.Int32(f.Name)
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode sample fields")
	}
	return data, nil
}

// MarshalAll encodes every field of the view.
func MarshalAll(v *View) ([]byte, error) {
	return marshal(v, func(Field) bool { return true })
}

// MarshalInputs encodes only the input fields, the worker-to-server direction.
func MarshalInputs(v *View) ([]byte, error) {
	return marshal(v, func(f Field) bool { return v.mem.schema.IsInput(f.Name) })
}

// MarshalReply encodes only the non-input fields, the reply direction.
func MarshalReply(v *View) ([]byte, error) {
	return marshal(v, func(f Field) bool { return !v.mem.schema.IsInput(f.Name) })
}

// Unmarshal decodes a JSON sample payload into the view. Every field present
// in the payload must exist in the schema and carry exactly Rows()*dim values;
// fields absent from the payload are left untouched.
func Unmarshal(data []byte, v *View) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed to decode sample payload")
	}
	for name, payload := range raw {
		f, found := v.mem.schema.Field(name)
		if !found {
			return errors.Errorf("unknown field %q in sample payload", name)
		}
		switch f.DType {
		case Float32:
			var vals []float32
			if err := json.Unmarshal(payload, &vals); err != nil {
				return errors.Wrapf(err, "failed to decode field %q", name)
			}
			dst := v.Float32(name)
			if len(vals) != len(dst) {
				return errors.Errorf("field %q has %d values, want %d (%d rows of dim %d)",
					name, len(vals), len(dst), v.Rows(), f.Dim)
			}
			copy(dst, vals)
		case Int32:
			var vals []int32
			if err := json.Unmarshal(payload, &vals); err != nil {
				return errors.Wrapf(err, "failed to decode field %q", name)
			}
			dst := v.Int32(name)
			if len(vals) != len(dst) {
				return errors.Errorf("field %q has %d values, want %d (%d rows of dim %d)",
					name, len(vals), len(dst), v.Rows(), f.Dim)
			}
			copy(dst, vals)
		}
	}
	return nil
}
