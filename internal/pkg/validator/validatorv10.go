package validator

import (
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/samber/lo"
)

// ErrTranslatorNotFound is returned when the English translator cannot be
// built.
var ErrTranslatorNotFound = errors.New("translator not found")

// topicPattern matches names every supported backend accepts as a topic,
// stream, exchange or queue prefix.
var topicPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}(\.[A-Za-z0-9_-]{1,64}){0,7}$`)

type rule struct {
	tag     string
	message string
	valid   func(s string) bool
}

var rules = []rule{
	{tag: "topic", message: "{0} must be dot separated letters, digits, '_' or '-'", valid: topicPattern.MatchString},
}

// V10ValidationError maps a snake_case field name to a readable message.
type V10ValidationError map[string]string

func (e V10ValidationError) Error() string {
	if len(e) == 0 {
		return "validation error"
	}
	b, _ := json.Marshal(map[string]string(e)) //nolint:errchkjson // string map always marshals
	return string(b)
}

func (e V10ValidationError) Values() map[string]string { return e }

type V10Validator struct {
	validate *validator.Validate
	trans    ut.Translator
}

func NewV10Validator() (*V10Validator, error) {
	lang := en.New()
	trans, ok := ut.New(lang, lang).GetTranslator("en")
	if !ok {
		return nil, ErrTranslatorNotFound
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(fieldName)
	if err := enTranslations.RegisterDefaultTranslations(v, trans); err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := register(v, trans, r); err != nil {
			return nil, err
		}
	}

	return &V10Validator{validate: v, trans: trans}, nil
}

// fieldName prefers the json name so errors line up with request bodies.
func fieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return lo.SnakeCase(f.Name)
	default:
		return name
	}
}

func register(v *validator.Validate, trans ut.Translator, r rule) error {
	err := v.RegisterValidation(r.tag, func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		return ok && r.valid(s)
	})
	if err != nil {
		return err
	}

	return v.RegisterTranslation(r.tag, trans,
		func(t ut.Translator) error { return t.Add(r.tag, r.message, false) },
		func(t ut.Translator, fe validator.FieldError) string {
			msg, _ := t.T(fe.Tag(), fe.Field()) //nolint:errcheck // falls back to empty
			return msg
		},
	)
}

// Validate returns nil, a V10ValidationError, or the underlying error when
// data is not a struct.
func (v *V10Validator) Validate(data any) error {
	err := v.validate.Struct(data)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := make(V10ValidationError, len(fieldErrs))
	for _, fe := range fieldErrs {
		out[fe.Field()] = fe.Translate(v.trans)
	}
	return out
}
