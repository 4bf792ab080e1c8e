package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the static engine configuration.
type Document struct {
	Defaults Defaults                 `yaml:"defaults" json:"defaults"`
	Tracking map[string]TrackedEntity `yaml:"tracking" json:"tracking"`
	Handlers map[string][]BindingSpec `yaml:"handlers" json:"handlers"`
	Alerts   AlertSpec                `yaml:"alerts" json:"alerts"`
}

// Defaults holds document-wide defaults.
type Defaults struct {
	// MaxRetries is given to every new event. Nil means the engine default.
	MaxRetries *int `yaml:"max_retries" json:"max_retries"`
}

// TrackedEntity enrolls one entity type for change detection.
type TrackedEntity struct {
	// Fields is the tracked-fields allowlist. Empty means every field.
	Fields []string `yaml:"fields" json:"fields"`

	// Schema declares the snapshot fields conditions and templates may use,
	// mapped to their kind (string, number, bool, id, list, object, any).
	Schema map[string]string `yaml:"schema" json:"schema"`

	// Computed declares extra context fields supplied at dispatch time, such
	// as resolved display names.
	Computed map[string]string `yaml:"computed" json:"computed"`

	// BranchField names the snapshot field holding the entity's branch.
	// Defaults to "branch".
	BranchField string `yaml:"branch_field" json:"branch_field"`
}

// BindingSpec binds one handler to an event type.
type BindingSpec struct {
	Handler   string         `yaml:"handler" json:"handler"`
	Enabled   *bool          `yaml:"enabled" json:"enabled"`
	Condition string         `yaml:"condition" json:"condition"`
	Config    map[string]any `yaml:"config" json:"config"`
	Notify    *NotifySpec    `yaml:"notify" json:"notify"`
}

// IsEnabled reports whether the binding is enabled. Bindings are enabled
// unless they say otherwise.
func (b BindingSpec) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// NotifySpec is the notification block of a binding.
type NotifySpec struct {
	Type       string          `yaml:"type" json:"type"`
	Title      string          `yaml:"title" json:"title"`
	Message    string          `yaml:"message" json:"message"`
	Recipients []RecipientSpec `yaml:"recipients" json:"recipients"`
}

// RecipientSpec is one declarative recipient rule. Exactly one of Field,
// Role, Team, or IDs must be set; Scope applies to Role only.
type RecipientSpec struct {
	Field string  `yaml:"field" json:"field"`
	Role  string  `yaml:"role" json:"role"`
	Scope string  `yaml:"scope" json:"scope"`
	Team  string  `yaml:"team" json:"team"`
	IDs   []int64 `yaml:"ids" json:"ids"`
}

// AlertSpec seeds the administrator alert settings.
type AlertSpec struct {
	Enabled  bool    `yaml:"enabled" json:"enabled"`
	AdminIDs []int64 `yaml:"admin_ids" json:"admin_ids"`
}

// Load reads a document from a file, detecting the format by extension.
// Supported extensions: .yaml, .yml, .json
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return Parse(data, FormatYAML)
	case ".json":
		return Parse(data, FormatJSON)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// Format is a document encoding.
type Format int

// Formats.
const (
	FormatYAML Format = iota
	FormatJSON
)

// Parse decodes and validates a document. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document's shape.
func (d *Document) Validate() error {
	var errs []error
	if d.Defaults.MaxRetries != nil && *d.Defaults.MaxRetries < 0 {
		errs = append(errs, errors.New("defaults.max_retries must not be negative"))
	}

	for entity, tracked := range d.Tracking {
		if entity == "" || strings.Contains(entity, ".") {
			errs = append(errs, fmt.Errorf("tracking: invalid entity type %q", entity))
		}
		seen := make(map[string]bool, len(tracked.Fields))
		for _, f := range tracked.Fields {
			if f == "" || strings.Contains(f, ".") {
				errs = append(errs, fmt.Errorf("tracking.%s: invalid field %q", entity, f))
			}
			if seen[f] {
				errs = append(errs, fmt.Errorf("tracking.%s: duplicate field %q", entity, f))
			}
			seen[f] = true
		}
	}

	for eventType, bindings := range d.Handlers {
		if strings.Count(eventType, ".") < 1 || strings.Count(eventType, ".") > 2 {
			errs = append(errs, fmt.Errorf("handlers: invalid event type %q", eventType))
		}
		for i, b := range bindings {
			where := fmt.Sprintf("handlers.%s[%d]", eventType, i)
			if b.Handler == "" {
				errs = append(errs, fmt.Errorf("%s: handler is required", where))
			}
			if b.Notify == nil {
				continue
			}
			for j, r := range b.Notify.Recipients {
				if err := r.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("%s.notify.recipients[%d]: %w", where, j, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Validate checks that exactly one rule is set and its options are valid.
func (r RecipientSpec) Validate() error {
	set := 0
	if r.Field != "" {
		set++
		if strings.Count(r.Field, ".") > 1 {
			return fmt.Errorf("field reference %q has more than two segments", r.Field)
		}
	}
	if r.Role != "" {
		set++
		switch r.Scope {
		case "", "tenant", "region", "branch":
		default:
			return fmt.Errorf("invalid scope %q", r.Scope)
		}
	}
	if r.Team != "" {
		set++
		switch r.Team {
		case "branch", "region":
		default:
			return fmt.Errorf("invalid team %q", r.Team)
		}
	}
	if len(r.IDs) > 0 {
		set++
	}
	if r.Scope != "" && r.Role == "" {
		return errors.New("scope requires role")
	}
	switch set {
	case 0:
		return errors.New("empty recipient spec")
	case 1:
		return nil
	default:
		return errors.New("recipient spec must set exactly one of field, role, team, ids")
	}
}
