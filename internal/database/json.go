package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JsonColumn wraps any JSON-serialisable type so it can be scanned from
// and written to a JSONB column without each store hand-rolling the
// marshalling.
type JsonColumn[T any] struct {
	val *T
}

func NewJsonColumn[T any](val T) JsonColumn[T] {
	return JsonColumn[T]{val: &val}
}

func (col *JsonColumn[T]) Scan(src any) error {
	if src == nil {
		col.val = nil
		return nil
	}

	var raw []byte
	switch src := src.(type) {
	case []byte:
		raw = src
	case string:
		raw = []byte(src)
	default:
		return fmt.Errorf("cannot scan %T in to a JSON column", src)
	}

	target := new(T)
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}

	col.val = target
	return nil
}

func (col JsonColumn[T]) Value() (driver.Value, error) {
	if col.val == nil {
		return nil, nil
	}

	return json.Marshal(*col.val)
}

// Get returns the decoded value, or nil when the column was NULL.
func (col *JsonColumn[T]) Get() *T {
	return col.val
}
