// Package template renders prompt templates with named {field} placeholders.
// Literal braces are written as {{ and }}. A placeholder may carry a Python
// style format spec, as in {score:.2f}. Field names may not contain '.',
// '[' or ':'.
package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/slongfield/pyfmt"
)

// ErrTemplate is the class of all rendering errors.
var ErrTemplate = errors.New("template error")

// MissingFieldError reports a placeholder whose field is absent from the record.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("template: missing field %q", e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrTemplate }

// MalformedTemplateError reports unbalanced or otherwise invalid placeholder syntax.
type MalformedTemplateError struct {
	Reason string
}

func (e *MalformedTemplateError) Error() string {
	return "template: malformed: " + e.Reason
}

func (e *MalformedTemplateError) Unwrap() error { return ErrTemplate }

const missingKeyPrefix = "could not find key: "

var errPositional = errors.New("positional placeholders are not supported")

// fields is the lookup table handed to pyfmt. A bare {} or {0} resolves to
// the table itself, which refuses to format.
type fields map[string]any

func (fields) PyFormat(string) (string, error) { return "", errPositional }

// stub stands in for a value while a template is parsed.
type stub struct{}

func (stub) PyFormat(string) (string, error) { return "", nil }

// value formats a record field.
type value struct{ v any }

func (x value) PyFormat(spec string) (string, error) {
	if spec == "" {
		return stringify(x.v), nil
	}
	return pyfmt.Fmt("{:"+spec+"}", x.v)
}

// placeholder maps a key as written in the source to the record field.
type placeholder struct {
	key   string
	field string
}

// Template is a parsed prompt template. It is immutable and safe for
// concurrent use.
type Template struct {
	src   string
	holes []placeholder
}

// Parse compiles src into a Template. Placeholders are discovered by
// formatting src against a growing table until pyfmt stops reporting
// missing keys.
func Parse(src string) (*Template, error) {
	t := &Template{src: src}
	table := fields{}
	for {
		_, err := pyfmt.Fmt(src, table)
		if err == nil {
			return t, nil
		}
		key, ok := strings.CutPrefix(err.Error(), missingKeyPrefix)
		if !ok {
			return nil, malformed(err)
		}
		if _, dup := table[key]; dup {
			return nil, &MalformedTemplateError{Reason: "unresolvable placeholder " + strconv.Quote(key)}
		}
		if strings.ContainsAny(key, "{}") {
			return nil, &MalformedTemplateError{Reason: "nested placeholder " + strconv.Quote(key)}
		}
		field := strings.TrimSpace(key)
		if field == "" {
			return nil, &MalformedTemplateError{Reason: "empty placeholder"}
		}
		table[key] = stub{}
		t.holes = append(t.holes, placeholder{key: key, field: field})
	}
}

func malformed(err error) error {
	return &MalformedTemplateError{Reason: err.Error()}
}

// String returns the template source.
func (t *Template) String() string { return t.src }

// Fields returns the referenced field names in order of first use.
func (t *Template) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range t.holes {
		if !seen[h.field] {
			seen[h.field] = true
			out = append(out, h.field)
		}
	}
	return out
}

// Execute fills the template from rec.
func (t *Template) Execute(rec map[string]any) (string, error) {
	table := make(fields, len(t.holes))
	for _, h := range t.holes {
		v, ok := rec[h.field]
		if !ok {
			return "", &MissingFieldError{Field: h.field}
		}
		table[h.key] = value{v}
	}
	s, err := pyfmt.Fmt(t.src, table)
	if err != nil {
		return "", malformed(err)
	}
	return s, nil
}

// Render parses src and executes it against rec.
func Render(src string, rec map[string]any) (string, error) {
	t, err := Parse(src)
	if err != nil {
		return "", err
	}
	return t.Execute(rec)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Fields parses src and returns the field names it references.
func Fields(src string) ([]string, error) {
	t, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return t.Fields(), nil
}
