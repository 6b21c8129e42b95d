package scripts

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
)

const (
	MaxIDLength          = 64
	MaxNameLength        = 128
	MaxDescriptionLength = 1024
	MaxCommandsPerScript = 100
	MaxHexLength         = 520
	MaxTagLength         = 32
)

var (
	idPattern        = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)
	hexPattern       = regexp.MustCompile(`^[0-9A-Fa-f]*$`)
	paramNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// ValidationError collects every violation found while validating one
// Script or Template, rather than failing on the first.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

func raiseValidationErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

// ValidateID checks a Script/Template id against the kebab-case id regex,
// length limit, and path-traversal character blacklist.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return trace.BadParameter("id %q does not match the required kebab-case pattern", id)
	}
	if len(id) > MaxIDLength {
		return trace.BadParameter("id %q exceeds max length %d", id, MaxIDLength)
	}
	for _, bad := range []string{"..", "/", "\\"} {
		if strings.Contains(id, bad) {
			return trace.BadParameter("id %q contains disallowed sequence %q", id, bad)
		}
	}
	return nil
}

// SanitizeID deterministically derives a valid id from an arbitrary
// string. Idempotent: SanitizeID(SanitizeID(s)) == SanitizeID(s).
func SanitizeID(s string) string {
	out := strings.ToLower(s)
	out = regexp.MustCompile(`[\s_]+`).ReplaceAllString(out, "-")
	out = regexp.MustCompile(`[^a-z0-9-]`).ReplaceAllString(out, "")
	out = regexp.MustCompile(`-+`).ReplaceAllString(out, "-")
	out = strings.Trim(out, "-")

	if out == "" {
		return "script"
	}
	if out[0] < 'a' || out[0] > 'z' {
		out = "script-" + out
	}
	if len(out) > MaxIDLength {
		out = out[:MaxIDLength]
		out = strings.TrimRight(out, "-")
	}
	if out == "" {
		return "script"
	}
	return out
}

// ValidateHex checks hex formatting and length; placeholders are allowed
// only when allowPlaceholders is true, in which case the placeholder
// portions are skipped before the hex/length checks run.
func ValidateHex(s string, allowPlaceholders bool) error {
	check := s
	if allowPlaceholders {
		check = placeholderRegexp.ReplaceAllString(s, "")
	} else if strings.Contains(s, "${") {
		return trace.BadParameter("placeholders are not allowed in this context")
	}
	if len(s) > MaxHexLength {
		return trace.BadParameter("hex string exceeds max length %d", MaxHexLength)
	}
	if len(check)%2 != 0 {
		return trace.BadParameter("hex string has odd length")
	}
	if !hexPattern.MatchString(check) {
		return trace.BadParameter("hex string contains non-hex characters")
	}
	if !allowPlaceholders && len(check)/2 < 4 {
		return trace.BadParameter("command decodes to fewer than 4 bytes")
	}
	return nil
}

func validateCommand(c Command, allowPlaceholders bool) []string {
	var errs []string
	if err := ValidateHex(c.Hex, allowPlaceholders); err != nil {
		errs = append(errs, fmt.Sprintf("command %q: %v", c.Name, err))
	}
	return errs
}

// ValidateScript runs every structural check from spec.md §4.3 and
// returns an aggregate ValidationError, or nil.
func ValidateScript(s Script) error {
	var errs []string

	if err := ValidateID(s.ID); err != nil {
		errs = append(errs, err.Error())
	}
	if s.Name == "" {
		errs = append(errs, "name must not be empty")
	}
	if len(s.Name) > MaxNameLength {
		errs = append(errs, fmt.Sprintf("name exceeds max length %d", MaxNameLength))
	}
	if len(s.Description) > MaxDescriptionLength {
		errs = append(errs, fmt.Sprintf("description exceeds max length %d", MaxDescriptionLength))
	}
	if len(s.Commands) == 0 || len(s.Commands) > MaxCommandsPerScript {
		errs = append(errs, fmt.Sprintf("commands count must be in [1, %d], got %d", MaxCommandsPerScript, len(s.Commands)))
	}
	for _, c := range s.Commands {
		errs = append(errs, validateCommand(c, false)...)
	}
	for _, tag := range s.Tags {
		if len(tag) > MaxTagLength {
			errs = append(errs, fmt.Sprintf("tag %q exceeds max length %d", tag, MaxTagLength))
		}
	}

	return raiseValidationErrors(errs)
}

// ValidateParameterDef checks name pattern, min<=max, and default validity.
func ValidateParameterDef(p ParameterDef) []string {
	var errs []string
	if !paramNamePattern.MatchString(p.Name) {
		errs = append(errs, fmt.Sprintf("parameter name %q must match %s", p.Name, paramNamePattern.String()))
	}
	if p.MaxLength > 0 && p.MinLength > p.MaxLength {
		errs = append(errs, fmt.Sprintf("parameter %q has min_length > max_length", p.Name))
	}
	if p.HasDefault() && p.Kind == KindHex {
		if err := ValidateHex(p.Default, false); err != nil {
			errs = append(errs, fmt.Sprintf("parameter %q default: %v", p.Name, err))
		}
	}
	return errs
}

// ValidateTemplate additionally requires bidirectional placeholder <->
// ParameterDef coverage.
func ValidateTemplate(t Template) error {
	var errs []string

	if err := ValidateID(t.ID); err != nil {
		errs = append(errs, err.Error())
	}
	if t.Name == "" {
		errs = append(errs, "name must not be empty")
	}
	for _, c := range t.Commands {
		errs = append(errs, validateCommand(c, true)...)
	}
	for _, p := range t.Parameters {
		errs = append(errs, ValidateParameterDef(p)...)
	}

	placeholders := t.PlaceholderNames()
	for name := range placeholders {
		if _, ok := t.Parameters[name]; !ok {
			errs = append(errs, fmt.Sprintf("placeholder %q has no matching parameter definition", name))
		}
	}
	for name := range t.Parameters {
		if !placeholders[name] {
			errs = append(errs, fmt.Sprintf("parameter %q is never referenced by a placeholder", name))
		}
	}

	return raiseValidationErrors(errs)
}

// ValidateParameterValue checks a concrete binding value against its
// ParameterDef's kind and length constraints.
func ValidateParameterValue(p ParameterDef, value string) error {
	switch p.Kind {
	case KindHex:
		if len(value)%2 != 0 || !hexPattern.MatchString(value) {
			return trace.BadParameter("parameter %q: value must be an even-length hex string", p.Name)
		}
		byteLen := len(value) / 2
		if p.MinLength > 0 && byteLen < p.MinLength {
			return trace.BadParameter("parameter %q: value is %d bytes, below min_length %d", p.Name, byteLen, p.MinLength)
		}
		if p.MaxLength > 0 && byteLen > p.MaxLength {
			return trace.BadParameter("parameter %q: value is %d bytes, above max_length %d", p.Name, byteLen, p.MaxLength)
		}
	case KindString:
		byteLen := len([]byte(value))
		if p.MinLength > 0 && byteLen < p.MinLength {
			return trace.BadParameter("parameter %q: value is %d bytes, below min_length %d", p.Name, byteLen, p.MinLength)
		}
		if p.MaxLength > 0 && byteLen > p.MaxLength {
			return trace.BadParameter("parameter %q: value is %d bytes, above max_length %d", p.Name, byteLen, p.MaxLength)
		}
	default:
		return trace.BadParameter("parameter %q has unknown kind %q", p.Name, p.Kind)
	}
	return nil
}
