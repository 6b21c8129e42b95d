package scripts

import (
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// LoadOptions configures loader behavior.
type LoadOptions struct {
	// SkipInvalid, when true, skips an item that fails validation and
	// records the failure rather than aborting the whole load.
	SkipInvalid bool
}

// LoadSummary aggregates the outcome of loading one or more documents.
type LoadSummary struct {
	Scripts   []Script
	Templates []Template
	Loaded    int
	Skipped   int
	Failed    int
	Errors    []error
}

type document struct {
	Scripts   []rawEntry `yaml:"scripts"`
	Templates []rawEntry `yaml:"templates"`
}

// rawEntry defers full decoding so bare-hex command shorthand can be
// normalized before struct decode.
type rawEntry map[string]interface{}

// LoadFile reads one YAML document containing `scripts:`/`templates:`
// lists, validates each entry, and aggregates the outcome per opts.
func LoadFile(path string, opts LoadOptions) (*LoadSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return LoadBytes(data, opts)
}

// LoadBytes parses and validates an in-memory YAML document.
func LoadBytes(data []byte, opts LoadOptions) (*LoadSummary, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, trace.BadParameter("invalid script document: %v", err)
	}

	summary := &LoadSummary{}

	for _, entry := range doc.Scripts {
		s, err := scriptFromRaw(entry)
		if err == nil {
			err = ValidateScript(s)
		}
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, err)
			if !opts.SkipInvalid {
				return summary, trace.Wrap(err)
			}
			summary.Skipped++
			continue
		}
		summary.Scripts = append(summary.Scripts, s)
		summary.Loaded++
	}

	for _, entry := range doc.Templates {
		tmpl, err := templateFromRaw(entry)
		if err == nil {
			err = ValidateTemplate(tmpl)
		}
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, err)
			if !opts.SkipInvalid {
				return summary, trace.Wrap(err)
			}
			summary.Skipped++
			continue
		}
		summary.Templates = append(summary.Templates, tmpl)
		summary.Loaded++
	}

	return summary, nil
}

// LoadDirectory loads every *.yaml/*.yml file in dir (optionally
// recursive) and aggregates per-file outcomes into one LoadSummary.
func LoadDirectory(dir string, recursive bool, opts LoadOptions) (*LoadSummary, error) {
	total := &LoadSummary{}

	walk := filepath.Walk
	err := walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		if info.IsDir() {
			if !recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		summary, ferr := LoadFile(path, opts)
		if summary != nil {
			total.Scripts = append(total.Scripts, summary.Scripts...)
			total.Templates = append(total.Templates, summary.Templates...)
			total.Loaded += summary.Loaded
			total.Skipped += summary.Skipped
			total.Failed += summary.Failed
			total.Errors = append(total.Errors, summary.Errors...)
		}
		if ferr != nil && !opts.SkipInvalid {
			return trace.Wrap(ferr)
		}
		return nil
	})
	if err != nil {
		return total, trace.Wrap(err)
	}
	return total, nil
}

// SaveFile writes scripts and templates back out in the same document
// shape LoadFile reads.
func SaveFile(path string, scripts []Script, templates []Template) error {
	doc := struct {
		Scripts   []Script   `yaml:"scripts,omitempty"`
		Templates []Template `yaml:"templates,omitempty"`
	}{Scripts: scripts, Templates: templates}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func scriptFromRaw(entry rawEntry) (Script, error) {
	fields := make(rawEntry, len(entry))
	for k, v := range entry {
		if k != "commands" { // decoded below, bare-hex entries included
			fields[k] = v
		}
	}
	data, err := yaml.Marshal(fields)
	if err != nil {
		return Script{}, trace.Wrap(err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, trace.BadParameter("invalid script entry: %v", err)
	}
	if rawCommands, ok := entry["commands"].([]interface{}); ok {
		s.Commands = make([]Command, 0, len(rawCommands))
		for _, rc := range rawCommands {
			cmd, err := commandFromYAML(rc)
			if err != nil {
				return Script{}, trace.Wrap(err)
			}
			s.Commands = append(s.Commands, cmd)
		}
	}
	return s, nil
}

func templateFromRaw(entry rawEntry) (Template, error) {
	fields := make(rawEntry, len(entry))
	for k, v := range entry {
		if k != "commands" { // decoded below, bare-hex entries included
			fields[k] = v
		}
	}
	data, err := yaml.Marshal(fields)
	if err != nil {
		return Template{}, trace.Wrap(err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Template{}, trace.BadParameter("invalid template entry: %v", err)
	}
	if rawCommands, ok := entry["commands"].([]interface{}); ok {
		t.Commands = make([]Command, 0, len(rawCommands))
		for _, rc := range rawCommands {
			cmd, err := commandFromYAML(rc)
			if err != nil {
				return Template{}, trace.Wrap(err)
			}
			t.Commands = append(t.Commands, cmd)
		}
	}
	if t.Parameters == nil {
		t.Parameters = map[string]ParameterDef{}
	}

	rawParams, _ := entry["parameters"].(map[string]interface{})
	for key, def := range t.Parameters {
		def.Name = key
		if raw, ok := rawParams[key].(map[string]interface{}); ok {
			if _, hasRequired := raw["required"]; !hasRequired {
				def.Required = true
			}
		} else {
			def.Required = true
		}
		t.Parameters[key] = def
	}

	return t, nil
}
