package testserver

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestFormat_JSON(t *testing.T) {
	got, changed, err := Format("/p/test.json", `{"test":     5}`)
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if !changed {
		t.Error("Format() changed = false, want true")
	}
	if want := "{\n  \"test\": 5\n}\n"; got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}

	again, changed, err := Format("/p/test.json", got)
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if changed || again != got {
		t.Errorf("formatting formatted text changed it: %q", again)
	}
}

func TestFormat_InvalidJSON(t *testing.T) {
	if _, _, err := Format("a.json", "{ nope"); err == nil {
		t.Error("Format() should reject invalid JSON")
	}
}

func TestFormat_Lines(t *testing.T) {
	got, changed, err := Format("/p/CHANGELOG", "one  \ntwo\t\n\n\n")
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if !changed || got != "one\ntwo\n" {
		t.Errorf("Format() = (%q, %v)", got, changed)
	}
}

func TestCanFormat(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/p/test.json", true},
		{"/p/TEST.JSON", true},
		{"/p/readme.md", true},
		{"/p/CHANGELOG", true},
		{"/p/test.txt", false},
		{"/p/Makefile", false},
	}
	for _, tt := range tests {
		if got := CanFormat(tt.path); got != tt.want {
			t.Errorf("CanFormat(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	if _, changed, err := Format("/p/test.txt", "x  "); changed || err != nil {
		t.Errorf("Format() of unmatched file = (%v, %v), want unchanged", changed, err)
	}
}

func TestEditorInfoJSON(t *testing.T) {
	doc, err := EditorInfoJSON(5, true, "/p/dprint.json")
	if err != nil {
		t.Fatalf("EditorInfoJSON() error = %v", err)
	}
	if !gjson.Valid(doc) {
		t.Fatalf("EditorInfoJSON() produced invalid JSON: %s", doc)
	}

	if got := gjson.Get(doc, "schemaVersion").Int(); got != 5 {
		t.Errorf("schemaVersion = %d, want 5", got)
	}
	if got := gjson.Get(doc, "plugins.#").Int(); got != int64(len(Plugins)) {
		t.Errorf("plugins count = %d, want %d", got, len(Plugins))
	}
	if got := gjson.Get(doc, "plugins.0.fileExtensions.0").String(); got != "json" {
		t.Errorf("first extension = %q, want json", got)
	}
	if got := gjson.Get(doc, "plugins.1.fileNames.0").String(); got != "CHANGELOG" {
		t.Errorf("first file name = %q, want CHANGELOG", got)
	}

	empty, err := EditorInfoJSON(4, false, "")
	if err != nil {
		t.Fatalf("EditorInfoJSON() error = %v", err)
	}
	if !gjson.Get(empty, "plugins").IsArray() || gjson.Get(empty, "plugins.#").Int() != 0 {
		t.Errorf("plugins = %s, want empty array", gjson.Get(empty, "plugins").Raw)
	}
}

func TestMain_Version(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Main([]string{"-v"}, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("Main(-v) = %d, stderr %q", code, errOut.String())
	}
	if !strings.Contains(out.String(), Version) {
		t.Errorf("Main(-v) output = %q", out.String())
	}
}

func TestMain_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Main([]string{"fmt"}, strings.NewReader(""), &out, &errOut); code == 0 {
		t.Error("Main(fmt) = 0, want failure")
	}
}

func TestMain_EditorServiceNeedsParent(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Main([]string{"editor-service"}, strings.NewReader(""), &out, &errOut); code != 2 {
		t.Errorf("Main(editor-service) = %d, want 2", code)
	}
}

func TestFaultFor(t *testing.T) {
	tests := []struct {
		path string
		want fault
	}{
		{"/p/corrupt.json", faultCorrupt},
		{`C:\p\slow.json`, faultSlow},
		{"/p/slow-start.json", faultNone},
		{"/p/ping.json", faultPing},
		{"/p/a.json", faultNone},
	}
	for _, tt := range tests {
		if got := faultFor(tt.path); got != tt.want {
			t.Errorf("faultFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
