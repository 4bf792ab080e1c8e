package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	refType        = reflect.TypeOf((*Ref)(nil)).Elem()
	normalizerType = reflect.TypeOf((*Normalizer)(nil)).Elem()
	timeType       = reflect.TypeOf(time.Time{})
	decimalType    = reflect.TypeOf(decimal.Decimal{})
)

// Snapshotter captures Snapshots from entity values.
type Snapshotter struct {
	logger *slog.Logger
}

// Option configures a Snapshotter.
type Option func(*Snapshotter)

// WithLogger sets the logger used to report coerced and omitted fields.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Snapshotter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Snapshotter.
func New(opts ...Option) *Snapshotter {
	s := &Snapshotter{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture returns the snapshot of entity. entity may be a struct, a pointer to
// a struct, a Snapshot, or a map[string]any. A nil entity yields an empty
// snapshot. Capture never panics.
func (s *Snapshotter) Capture(entity any) Snapshot {
	out := Snapshot{}
	if entity == nil {
		return out
	}

	switch m := entity.(type) {
	case Snapshot:
		s.captureMap(out, m)
		return out
	case map[string]any:
		s.captureMap(out, m)
		return out
	}

	rv := reflect.ValueOf(entity)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return out
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		s.logger.Warn("snapshot of non-struct entity is empty",
			slog.String("type", rv.Type().String()))
		return out
	}

	s.captureStruct(out, rv, rv.Type())
	return out
}

func (s *Snapshotter) captureMap(out Snapshot, m map[string]any) {
	for k, v := range m {
		if val, ok := s.field(k, reflect.ValueOf(v)); ok {
			out[k] = val
		}
	}
}

func (s *Snapshotter) captureStruct(out Snapshot, rv reflect.Value, self reflect.Type) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, skip := fieldName(sf)
		if skip {
			continue
		}
		fv := rv.Field(i)

		// Embedded structs without an explicit name are flattened.
		if sf.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct && !isSpecial(inner.Type()) {
				s.captureStruct(out, inner, self)
				continue
			}
			name = snakeCase(sf.Name)
		}

		if sf.Type.Kind() == reflect.Pointer && sf.Type.Elem() == self {
			continue
		}
		if sf.Type.Kind() == reflect.Slice && sf.Type.Elem().Kind() == reflect.Pointer && sf.Type.Elem().Elem() == self {
			continue
		}

		if val, ok := s.field(name, fv); ok {
			out[name] = val
		}
	}
}

// field normalizes one value. ok is false when the field must be omitted.
func (s *Snapshotter) field(name string, fv reflect.Value) (val any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			val, ok = s.coerce(name, fv, fmt.Errorf("panic: %v", r))
		}
	}()

	v, err := normalize(fv)
	if err != nil {
		return s.coerce(name, fv, err)
	}
	return v, true
}

// coerce falls back to the fmt string form of a value that would not encode.
func (s *Snapshotter) coerce(name string, fv reflect.Value, cause error) (val any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("snapshot field omitted",
				slog.String("field", name),
				slog.String("error", cause.Error()),
				slog.Any("panic", r))
			val, ok = nil, false
		}
	}()

	str := fmt.Sprint(fv.Interface())
	if strings.Contains(str, "(PANIC=") {
		// fmt swallowed a panicking String or Error method.
		s.logger.Warn("snapshot field omitted",
			slog.String("field", name),
			slog.String("error", cause.Error()))
		return nil, false
	}
	s.logger.Debug("snapshot field coerced to string",
		slog.String("field", name),
		slog.String("error", cause.Error()))
	return str, true
}

// normalize converts v into canonical form.
func normalize(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		return normalize(v.Elem())
	}

	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, nil
	}

	if v.Type().Implements(refType) {
		return canonical(v.Interface().(Ref).SnapshotID())
	}
	if v.Type().Implements(normalizerType) {
		return canonical(v.Interface().(Normalizer).SnapshotValue())
	}

	switch v.Type() {
	case timeType:
		t := v.Interface().(time.Time)
		if t.IsZero() {
			return nil, nil
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case decimalType:
		return v.Interface().(decimal.Decimal).String(), nil
	}

	switch v.Kind() {
	case reflect.Pointer:
		return normalize(v.Elem())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return canonical(v.Interface())
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := normalize(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return canonical(v.Interface())
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			elem, err := normalize(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = elem
		}
		return out, nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, fmt.Errorf("unsupported kind %s", v.Kind())
	}

	return canonical(v.Interface())
}

// canonical round-trips x through JSON so the result uses only decoder types.
func canonical(x any) (any, error) {
	data, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func isSpecial(t reflect.Type) bool {
	return t == timeType || t == decimalType ||
		t.Implements(refType) || t.Implements(normalizerType)
}

// fieldName resolves the snapshot key for a struct field. An empty name with
// skip false means the field carried no naming tag.
func fieldName(sf reflect.StructField) (name string, skip bool) {
	if tag, ok := sf.Tag.Lookup("snapshot"); ok {
		tag = strings.Split(tag, ",")[0]
		if tag == "-" {
			return "", true
		}
		if tag != "" {
			return tag, false
		}
	}
	if tag, ok := sf.Tag.Lookup("json"); ok {
		tag = strings.Split(tag, ",")[0]
		if tag == "-" {
			return "", true
		}
		if tag != "" {
			return tag, false
		}
	}
	if sf.Anonymous {
		return "", false
	}
	return snakeCase(sf.Name), false
}

// snakeCase converts a Go identifier to lower snake case: BranchID becomes
// branch_id and HTTPStatus becomes http_status.
func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
