package testserver

import (
	"errors"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// Plugin describes one formatting plugin served by the test formatter.
type Plugin struct {
	Name            string
	Version         string
	ConfigKey       string
	FileExtensions  []string
	FileNames       []string
	ConfigSchemaURL string
	HelpURL         string

	format func(text string) (string, error)
}

// Matches reports whether the plugin handles path.
func (p *Plugin) Matches(path string) bool {
	base := filepath.Base(path)
	if slices.Contains(p.FileNames, base) {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(base)), ".")
	return ext != "" && slices.Contains(p.FileExtensions, ext)
}

// jsonOptions mirrors a JSON plugin configured with line width 120 and
// two-space indentation.
var jsonOptions = &pretty.Options{
	Width:  120,
	Indent: "  ",
}

// Plugins lists the plugins the test formatter reports and uses.
var Plugins = []*Plugin{
	{
		Name:            "test-json",
		Version:         "0.1.0",
		ConfigKey:       "json",
		FileExtensions:  []string{"json"},
		ConfigSchemaURL: "https://plugins.dprint.dev/test/json/schema.json",
		HelpURL:         "https://dprint.dev/plugins/json",
		format:          formatJSON,
	},
	{
		Name:           "test-lines",
		Version:        "0.1.0",
		ConfigKey:      "lines",
		FileExtensions: []string{"md"},
		FileNames:      []string{"CHANGELOG"},
		HelpURL:        "https://dprint.dev/plugins/lines",
		format:         formatLines,
	},
}

var errInvalidJSON = errors.New("invalid JSON")

func formatJSON(text string) (string, error) {
	if !gjson.Valid(text) {
		return "", errInvalidJSON
	}
	return string(pretty.PrettyOptions([]byte(text), jsonOptions)), nil
}

// formatLines trims trailing whitespace and ensures a final newline.
func formatLines(text string) (string, error) {
	lines := strings.Split(strings.TrimRight(text, " \t\r\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func pluginFor(path string) *Plugin {
	for _, p := range Plugins {
		if p.Matches(path) {
			return p
		}
	}
	return nil
}

// CanFormat reports whether any plugin handles path.
func CanFormat(path string) bool {
	return pluginFor(path) != nil
}

// Format formats text for path. Unmatched files are reported unchanged.
func Format(path, text string) (formatted string, changed bool, err error) {
	p := pluginFor(path)
	if p == nil {
		return text, false, nil
	}
	out, err := p.format(text)
	if err != nil {
		return "", false, err
	}
	return out, out != text, nil
}

// EditorInfoJSON builds the editor-info document.
func EditorInfoJSON(schema int, withPlugins bool, configPath string) (string, error) {
	doc := `{}`
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		doc, err = sjson.Set(doc, path, value)
	}

	set("schemaVersion", schema)
	set("cliVersion", Version)
	set("configSchemaUrl", "https://dprint.dev/schemas/v0.json")
	if configPath != "" {
		set("configPath", configPath)
	}
	if err != nil {
		return "", err
	}

	doc, err = sjson.SetRaw(doc, "plugins", "[]")
	if err != nil || !withPlugins {
		return doc, err
	}

	for i, p := range Plugins {
		prefix := "plugins." + strconv.Itoa(i) + "."
		set(prefix+"name", p.Name)
		set(prefix+"version", p.Version)
		set(prefix+"configKey", p.ConfigKey)
		set(prefix+"fileExtensions", nonNil(p.FileExtensions))
		set(prefix+"fileNames", nonNil(p.FileNames))
		if p.ConfigSchemaURL != "" {
			set(prefix+"configSchemaUrl", p.ConfigSchemaURL)
		}
		set(prefix+"helpUrl", p.HelpURL)
	}
	return doc, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
