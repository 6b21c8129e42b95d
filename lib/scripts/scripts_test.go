package scripts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateIDRules(t *testing.T) {
	require.NoError(t, ValidateID("select-isd"))
	require.Error(t, ValidateID("Select-ISD"))
	require.Error(t, ValidateID("../etc"))
	require.Error(t, ValidateID("a/b"))
}

func TestSanitizeIDIdempotent(t *testing.T) {
	cases := []string{"Hello World", "__weird__", "123abc", "", "---", "ALL CAPS_here"}
	for _, c := range cases {
		once := SanitizeID(c)
		twice := SanitizeID(once)
		require.Equal(t, once, twice, "input=%q", c)
		require.NoError(t, ValidateID(once), "input=%q sanitized=%q", c, once)
	}
}

func TestValidateScriptHappyPath(t *testing.T) {
	s := Script{
		ID:   "select-isd",
		Name: "Select ISD",
		Commands: []Command{
			{Hex: "00A4040007A000000151000000"},
		},
	}
	require.NoError(t, ValidateScript(s))
}

func TestValidateScriptRejectsShortCommand(t *testing.T) {
	s := Script{
		ID:       "too-short",
		Name:     "Too Short",
		Commands: []Command{{Hex: "00A4"}},
	}
	require.Error(t, ValidateScript(s))
}

func TestValidateScriptRejectsEmptyCommands(t *testing.T) {
	s := Script{ID: "empty", Name: "Empty"}
	require.Error(t, ValidateScript(s))
}

func TestTemplatePlaceholderCoverage(t *testing.T) {
	tmpl := Template{
		ID:       "apdu-select",
		Name:     "Select AID",
		Commands: []Command{{Hex: "00A40400${AID_LEN}${AID}"}},
		Parameters: map[string]ParameterDef{
			"AID":     {Name: "AID", Kind: KindHex, MinLength: 5, MaxLength: 16, Required: true},
			"AID_LEN": {Name: "AID_LEN", Kind: KindHex, MinLength: 1, MaxLength: 1, Required: true},
		},
	}
	require.NoError(t, ValidateTemplate(tmpl))
}

func TestTemplateRejectsUncoveredPlaceholder(t *testing.T) {
	tmpl := Template{
		ID:         "bad",
		Name:       "Bad",
		Commands:   []Command{{Hex: "00A4${MISSING}"}},
		Parameters: map[string]ParameterDef{},
	}
	require.Error(t, ValidateTemplate(tmpl))
}

func TestTemplateRejectsUnusedParam(t *testing.T) {
	tmpl := Template{
		ID:       "bad2",
		Name:     "Bad2",
		Commands: []Command{{Hex: "00A40400"}},
		Parameters: map[string]ParameterDef{
			"UNUSED": {Name: "UNUSED", Kind: KindHex},
		},
	}
	require.Error(t, ValidateTemplate(tmpl))
}

func TestRenderHappyPath(t *testing.T) {
	tmpl := Template{
		ID:       "apdu-select",
		Name:     "Select AID",
		Commands: []Command{{Hex: "00A40400${AID_LEN}${AID}"}},
		Parameters: map[string]ParameterDef{
			"AID":     {Name: "AID", Kind: KindHex, MinLength: 5, MaxLength: 16, Required: true},
			"AID_LEN": {Name: "AID_LEN", Kind: KindHex, MinLength: 1, MaxLength: 1, Required: true},
		},
	}
	script, err := Render(tmpl, map[string]string{"AID": "A0000000041010", "AID_LEN": "07"})
	require.NoError(t, err)
	require.Equal(t, "00A4040007A0000000041010", script.Commands[0].Hex)
}

func TestRenderMissingRequiredFails(t *testing.T) {
	tmpl := Template{
		ID:       "apdu-select",
		Name:     "Select AID",
		Commands: []Command{{Hex: "${AID}"}},
		Parameters: map[string]ParameterDef{
			"AID": {Name: "AID", Kind: KindHex, Required: true},
		},
	}
	_, err := Render(tmpl, map[string]string{})
	require.Error(t, err)
}

func TestRenderUsesDefault(t *testing.T) {
	tmpl := Template{
		ID:       "defaulted",
		Name:     "Defaulted",
		Commands: []Command{{Hex: "00${AID}"}},
		Parameters: map[string]ParameterDef{
			"AID": {Name: "AID", Kind: KindHex, Default: "A0"},
		},
	}
	script, err := Render(tmpl, map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "00A0", script.Commands[0].Hex)
}

func TestLoadFileBareHexShorthand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	doc := `
scripts:
  - id: select-isd
    name: Select ISD
    commands:
      - "00A4040007A000000151000000"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	summary, err := LoadFile(path, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Loaded)
	require.Equal(t, "00A4040007A000000151000000", summary.Scripts[0].Commands[0].Hex)
}

func TestLoadFileTemplateParameterNameFromKeyAndRequiredDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.yaml")
	doc := `
templates:
  - id: select-aid
    name: Select AID
    commands:
      - hex: "00A40400${AID_LEN}${AID}"
    parameters:
      AID:
        kind: hex
        min_length: 5
        max_length: 16
      AID_LEN:
        kind: hex
        min_length: 1
        max_length: 1
        required: false
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	summary, err := LoadFile(path, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Loaded)

	params := summary.Templates[0].Parameters
	require.Equal(t, "AID", params["AID"].Name)
	require.True(t, params["AID"].Required, "parameter with no explicit required: must default to true")
	require.Equal(t, "AID_LEN", params["AID_LEN"].Name)
	require.False(t, params["AID_LEN"].Required, "parameter with explicit required: false must stay false")
}

func TestLoadFileSkipInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	doc := `
scripts:
  - id: good-one
    name: Good
    commands: ["00A4040007A000000151000000"]
  - id: "BAD ID"
    name: Bad
    commands: ["00A4040007A000000151000000"]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	summary, err := LoadFile(path, LoadOptions{SkipInvalid: true})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Loaded)
	require.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Errors, 1)
}

func TestLoadFileFailFastAbortsOnFirstError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	doc := `
scripts:
  - id: "BAD ID"
    name: Bad
    commands: ["00A4040007A000000151000000"]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadFile(path, LoadOptions{SkipInvalid: false})
	require.Error(t, err)
}

func TestSaveFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")
	scriptsIn := []Script{{ID: "select-isd", Name: "Select ISD", Commands: []Command{{Hex: "00A4040007A000000151000000"}}}}

	require.NoError(t, SaveFile(path, scriptsIn, nil))

	summary, err := LoadFile(path, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, "select-isd", summary.Scripts[0].ID)
}
