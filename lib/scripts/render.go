package scripts

import (
	"strings"

	"github.com/gravitational/trace"
)

// RenderError wraps a failure encountered while resolving a Template
// against a binding.
type RenderError struct {
	cause error
}

func (e *RenderError) Error() string { return "render: " + e.cause.Error() }
func (e *RenderError) Unwrap() error { return e.cause }

// Render resolves a Template against a binding of parameter name to raw
// value, producing a fully-substituted Script. The new Script's id and
// name are derived from the template's.
func Render(t Template, binding map[string]string) (*Script, error) {
	resolved := make(map[string]string, len(t.Parameters))

	for name, def := range t.Parameters {
		value, present := binding[name]
		if !present {
			if !def.HasDefault() {
				if def.Required {
					return nil, &RenderError{cause: trace.BadParameter("required parameter %q was not supplied", name)}
				}
				continue
			}
			value = def.Default
		}
		if err := ValidateParameterValue(def, value); err != nil {
			return nil, &RenderError{cause: err}
		}
		resolved[name] = value
	}

	commands := make([]Command, len(t.Commands))
	for i, cmd := range t.Commands {
		rendered := cmd.Hex
		for name, value := range resolved {
			rendered = strings.ReplaceAll(rendered, "${"+name+"}", value)
		}
		if strings.Contains(rendered, "${") {
			return nil, &RenderError{cause: trace.BadParameter("command %q still has unresolved placeholders after rendering", cmd.Name)}
		}
		commands[i] = Command{Hex: rendered, Name: cmd.Name, Description: cmd.Description}
	}

	return &Script{
		ID:          t.ID,
		Name:        t.Name,
		Commands:    commands,
		Description: t.Description,
		Tags:        t.Tags,
	}, nil
}
