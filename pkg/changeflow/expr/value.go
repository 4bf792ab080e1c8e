package expr

import (
	"encoding/json"
	"math"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// IsTruthy returns whether a value is truthy.
// nil is false, bools return their value, empty strings are false,
// zero numbers are false, empty lists and maps are false, everything else
// is true.
func IsTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if f, ok := ToFloat64(v); ok {
		return f != 0
	}
	return true
}

// ToFloat64 converts a numeric value to float64. ok is false for
// non-numeric values, including numeric-looking strings.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		f, err := strconv.ParseFloat(val.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toDecimal converts a numeric value to an exact decimal. Integers keep
// every digit, so IDs above 2^53 stay distinct. ok is false for
// non-numeric values and for NaN or infinite floats.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int8:
		return decimal.NewFromInt(int64(val)), true
	case int16:
		return decimal.NewFromInt(int64(val)), true
	case int32:
		return decimal.NewFromInt32(val), true
	case int64:
		return decimal.NewFromInt(val), true
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(val)), 0), true
	case uint8:
		return decimal.NewFromInt(int64(val)), true
	case uint16:
		return decimal.NewFromInt(int64(val)), true
	case uint32:
		return decimal.NewFromInt(int64(val)), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(val), 0), true
	case float32:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(val), true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(val), true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// compareNumbers orders two numeric values: -1, 0 or +1. Finite values
// compare exactly; NaN and infinities fall back to float64. ok is false
// when either side is not numeric.
func compareNumbers(left, right any) (cmp int, ok bool) {
	if l, lok := toDecimal(left); lok {
		if r, rok := toDecimal(right); rok {
			return l.Cmp(r), true
		}
	}
	l, lok := ToFloat64(left)
	r, rok := ToFloat64(right)
	if !lok || !rok || math.IsNaN(l) || math.IsNaN(r) {
		return 0, false
	}
	switch {
	case l < r:
		return -1, true
	case l > r:
		return 1, true
	default:
		return 0, true
	}
}
