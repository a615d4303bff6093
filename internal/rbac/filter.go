package rbac

import (
	"fmt"

	"github.com/authz-engine/rbac-core/internal/storage"
)

// matchFrom builds a filter matching the given values against consecutive
// tuple fields starting at fieldIndex. It fails fast on out-of-range
// indices or an empty value set, before any I/O happens.
func matchFrom(ptype string, fieldIndex int, values ...string) (storage.TupleFilter, error) {
	if len(values) == 0 {
		return storage.TupleFilter{}, fmt.Errorf("%w: no field values given", storage.ErrMalformedFilter)
	}
	if fieldIndex < 0 || fieldIndex+len(values) > storage.MaxTupleFields {
		return storage.TupleFilter{}, fmt.Errorf("%w: fields [%d,%d) out of range [0,%d)",
			storage.ErrMalformedFilter, fieldIndex, fieldIndex+len(values), storage.MaxTupleFields)
	}
	fields := make(map[int]string, len(values))
	for i, v := range values {
		fields[fieldIndex+i] = v
	}
	f := storage.TupleFilter{Ptype: ptype, Fields: fields}
	if err := f.Validate(); err != nil {
		return storage.TupleFilter{}, err
	}
	return f, nil
}

// matchExact builds a filter matching the full tuple, used for point
// existence checks.
func matchExact(ptype string, rule []string) (storage.TupleFilter, error) {
	return matchFrom(ptype, 0, rule...)
}
