// Package scripts implements the declarative APDU Script/Template model,
// its validator, disk loader, and placeholder renderer (C3, C4, C5).
package scripts

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// ParameterKind is the type of value a Template parameter binds.
type ParameterKind string

const (
	KindHex    ParameterKind = "hex"
	KindString ParameterKind = "string"
)

// Command is one APDU command entry in a Script or Template. Hex may
// contain ${NAME} placeholders when it belongs to a Template.
type Command struct {
	Hex         string `yaml:"hex"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	// StopOnFailure is an explicit per-command directive: if set and this
	// command's response is not a Success status word, the Runner (C12)
	// stops the script here regardless of its configured stop policy.
	StopOnFailure bool `yaml:"stop_on_failure,omitempty"`
}

// ToBytes decodes Hex to bytes. Fails if Hex still contains placeholders.
func (c Command) ToBytes() ([]byte, error) {
	if strings.Contains(c.Hex, "${") {
		return nil, trace.BadParameter("command %q still contains unresolved placeholders", c.Name)
	}
	b, err := hex.DecodeString(c.Hex)
	if err != nil {
		return nil, trace.BadParameter("command %q is not valid hex: %v", c.Name, err)
	}
	return b, nil
}

// commandFromYAML accepts either a mapping or a bare hex string shorthand.
func commandFromYAML(v interface{}) (Command, error) {
	switch val := v.(type) {
	case string:
		return Command{Hex: val}, nil
	case map[string]interface{}:
		c := Command{}
		if h, ok := val["hex"].(string); ok {
			c.Hex = h
		}
		if n, ok := val["name"].(string); ok {
			c.Name = n
		}
		if d, ok := val["description"].(string); ok {
			c.Description = d
		}
		if s, ok := val["stop_on_failure"].(bool); ok {
			c.StopOnFailure = s
		}
		return c, nil
	default:
		return Command{}, trace.BadParameter("command entry must be a string or a mapping")
	}
}

// Script is an immutable, ordered sequence of fully-resolved APDU commands.
type Script struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Commands    []Command `yaml:"commands"`
	Description string    `yaml:"description,omitempty"`
	Tags        []string  `yaml:"tags,omitempty"`
	CreatedAt   time.Time `yaml:"created_at,omitempty"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty"`
}

// ParameterDef describes one Template parameter.
type ParameterDef struct {
	Name        string        `yaml:"name"`
	Kind        ParameterKind `yaml:"kind"`
	MinLength   int           `yaml:"min_length,omitempty"`
	MaxLength   int           `yaml:"max_length,omitempty"`
	Default     string        `yaml:"default,omitempty"`
	Required    bool          `yaml:"required,omitempty"`
	Description string        `yaml:"description,omitempty"`
}

// HasDefault reports whether a default value was supplied.
func (p ParameterDef) HasDefault() bool {
	return p.Default != ""
}

// Template is a Script whose commands may contain ${NAME} placeholders,
// resolved by the Renderer (C5) against a binding of parameter values.
type Template struct {
	ID          string                  `yaml:"id"`
	Name        string                  `yaml:"name"`
	Commands    []Command               `yaml:"commands"`
	Parameters  map[string]ParameterDef `yaml:"parameters"`
	Description string                  `yaml:"description,omitempty"`
	Tags        []string                `yaml:"tags,omitempty"`
}

var placeholderPattern = `\$\{([A-Z_][A-Z0-9_]*)\}`

// PlaceholderNames returns the set of distinct ${NAME} placeholder names
// referenced across all of the template's commands.
func (t Template) PlaceholderNames() map[string]bool {
	names := map[string]bool{}
	for _, cmd := range t.Commands {
		for _, m := range findPlaceholders(cmd.Hex) {
			names[m] = true
		}
	}
	return names
}
