// Package validator checks configuration and request structs. Failures come
// back as V10ValidationError, keyed by the snake_case field name.
package validator

// Validator is what use cases and the messaging client depend on.
type Validator interface {
	Validate(data any) error
}
