package template

// MissingAction specifies how to handle placeholders naming unknown paths.
type MissingAction int

const (
	// MissingKeep leaves the placeholder as written. This is the default.
	MissingKeep MissingAction = iota

	// MissingEmpty replaces the placeholder with an empty string, or nil
	// when the placeholder is the whole value.
	MissingEmpty

	// MissingError fails the expansion with an *UndefinedVariableError.
	MissingError
)

// Option configures an Expander.
type Option func(*Expander)

// WithMissingAction sets how unknown placeholders are handled.
func WithMissingAction(action MissingAction) Option {
	return func(e *Expander) {
		e.missingAction = action
	}
}

// WithBraceStyle enables or disables ${path} placeholders. Default: enabled.
func WithBraceStyle(enabled bool) Option {
	return func(e *Expander) {
		e.braceStyle = enabled
	}
}

// WithDollarStyle enables or disables $name placeholders. Default: disabled.
func WithDollarStyle(enabled bool) Option {
	return func(e *Expander) {
		e.dollarStyle = enabled
	}
}
