package snapshot

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"

	"github.com/shopspring/decimal"
)

// Ref is implemented by entities that are stored in a snapshot as their ID
// when another entity references them.
type Ref interface {
	SnapshotID() any
}

// Normalizer is implemented by value objects with their own primitive form.
type Normalizer interface {
	SnapshotValue() any
}

// Money is a typed monetary amount.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// SnapshotValue implements Normalizer.
func (m Money) SnapshotValue() any {
	return map[string]any{
		"amount":   m.Amount.String(),
		"currency": m.Currency,
	}
}

// GenericRef links to an entity of any kind by kind and ID.
type GenericRef struct {
	Kind string
	ID   int64
}

// SnapshotValue implements Normalizer.
func (g GenericRef) SnapshotValue() any {
	return map[string]any{"kind": g.Kind, "id": g.ID}
}

// AsGenericRef reads a {"kind", "id"} value back from a snapshot.
func AsGenericRef(v any) (GenericRef, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return GenericRef{}, false
	}
	kind, ok := m["kind"].(string)
	if !ok || kind == "" {
		return GenericRef{}, false
	}
	id, ok := Int64(m["id"])
	if !ok {
		return GenericRef{}, false
	}
	return GenericRef{Kind: kind, ID: id}, true
}

// Int64 reads an integer ID from any numeric or numeric-string value.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return floatID(float64(n))
	case float64:
		return floatID(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return floatID(f)
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func floatID(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return int64(f), true
}

// Equal reports deep value equality between two snapshot values. Numbers are
// compared by value regardless of representation, so int64(5) equals
// json.Number("5") and json.Number("5.0").
func Equal(a, b any) bool {
	if da, ok := asDecimal(a); ok {
		db, ok := asDecimal(b)
		return ok && da.Equal(db)
	}
	switch va := a.(type) {
	case map[string]any:
		vb, ok := b.(map[string]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for k, x := range va {
			y, ok := vb[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	case Snapshot:
		return Equal(map[string]any(va), b)
	case []any:
		vb, ok := b.([]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !Equal(va[i], vb[i]) {
				return false
			}
		}
		return true
	}
	if sb, ok := b.(Snapshot); ok {
		return Equal(a, map[string]any(sb))
	}
	return reflect.DeepEqual(a, b)
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	}
	return decimal.Decimal{}, false
}
