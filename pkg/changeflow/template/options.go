package template

// MissingAction decides what a placeholder with no value expands to.
type MissingAction int

const (
	// MissingKeep leaves "${name}" in the output.
	MissingKeep MissingAction = iota

	// MissingEmpty drops the placeholder. Default; rendered notification
	// text never shows raw placeholders to users.
	MissingEmpty

	// MissingError fails the expansion with an *UndefinedVariableError.
	MissingError
)

// Option configures an Expander.
type Option func(*Expander)

// WithMissingAction overrides the default MissingEmpty behaviour. Load-time
// validation goes through Check instead.
func WithMissingAction(action MissingAction) Option {
	return func(e *Expander) {
		e.missingAction = action
	}
}

// WithFormatter sets how resolved values are rendered.
//
// Default: nil renders as "", everything else with %v.
func WithFormatter(fn func(any) string) Option {
	return func(e *Expander) {
		if fn != nil {
			e.format = fn
		}
	}
}
