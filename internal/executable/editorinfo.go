package executable

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrOutOfDate is returned when editor-info output lacks the fields this
// client needs.
var ErrOutOfDate = errors.New("error getting editor info: the formatter or fmtbridge might be out of date")

// EditorInfo is the formatter's description of itself.
type EditorInfo struct {
	SchemaVersion   int
	CLIVersion      string
	ConfigSchemaURL string
	Plugins         []PluginInfo
}

// PluginInfo describes one installed formatter plugin.
type PluginInfo struct {
	Name            string
	Version         string
	ConfigKey       string
	FileExtensions  []string
	FileNames       []string
	ConfigSchemaURL string
	HelpURL         string
}

// HasPlugins reports whether any plugin is installed.
func (info *EditorInfo) HasPlugins() bool {
	return len(info.Plugins) > 0
}

// ParseEditorInfo decodes editor-info output.
func ParseEditorInfo(out string) (*EditorInfo, error) {
	if !gjson.Valid(out) {
		return nil, fmt.Errorf("error parsing editor info, output was: %s", out)
	}

	doc := gjson.Parse(out)
	schema := doc.Get("schemaVersion")
	plugins := doc.Get("plugins")
	if schema.Type != gjson.Number || !plugins.IsArray() {
		return nil, ErrOutOfDate
	}

	info := &EditorInfo{
		SchemaVersion:   int(schema.Int()),
		CLIVersion:      doc.Get("cliVersion").String(),
		ConfigSchemaURL: doc.Get("configSchemaUrl").String(),
		Plugins:         make([]PluginInfo, 0, len(plugins.Array())),
	}
	plugins.ForEach(func(_, p gjson.Result) bool {
		info.Plugins = append(info.Plugins, PluginInfo{
			Name:            p.Get("name").String(),
			Version:         p.Get("version").String(),
			ConfigKey:       p.Get("configKey").String(),
			FileExtensions:  stringList(p.Get("fileExtensions")),
			FileNames:       stringList(p.Get("fileNames")),
			ConfigSchemaURL: p.Get("configSchemaUrl").String(),
			HelpURL:         p.Get("helpUrl").String(),
		})
		return true
	})
	return info, nil
}

func stringList(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}
