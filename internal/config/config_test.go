package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestLoad_Defaults(t *testing.T) {
	l := &Loader{UserFile: filepath.Join(t.TempDir(), "missing.toml"), LookupEnv: noEnv}

	got, err := l.Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != Default() {
		t.Errorf("Load() = %+v, want %+v", got, Default())
	}
}

func TestLoad_Layers(t *testing.T) {
	dir := t.TempDir()
	user := filepath.Join(dir, "user", "config.toml")
	root := filepath.Join(dir, "project")

	writeFile(t, user, `
path = "/usr/local/bin/dprint"
verbose = true
shutdown_timeout = "2s"
max_restarts = 3
`)
	writeFile(t, filepath.Join(root, WorkspaceFile), `
restart_cooldown = "250ms"
verbose = false
`)

	got, err := (&Loader{UserFile: user, LookupEnv: noEnv}).Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Settings{
		Path:            "/usr/local/bin/dprint",
		ShutdownTimeout: 2 * time.Second,
		RestartCooldown: 250 * time.Millisecond,
		MaxRestarts:     3,
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoad_PathFromWorkspace(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, WorkspaceFile), `path = "  ./bin/dprint  "`)

	got, err := (&Loader{LookupEnv: noEnv}).Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Path != "./bin/dprint" || !got.PathFromWorkspace {
		t.Errorf("Load() = %+v, want a trimmed workspace path", got)
	}

	env := func(key string) (string, bool) {
		switch key {
		case EnvPath:
			return "/opt/dprint", true
		case EnvVerbose:
			return "1", true
		}
		return "", false
	}
	got, err = (&Loader{LookupEnv: env}).Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Path != "/opt/dprint" || got.PathFromWorkspace || !got.Verbose {
		t.Errorf("Load() = %+v, want the environment to win", got)
	}
}

func TestLoad_BlankPathIgnored(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, WorkspaceFile), `path = "   "`)

	got, err := (&Loader{LookupEnv: noEnv}).Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Path != "" || got.PathFromWorkspace {
		t.Errorf("Load() = %+v, want no path", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantLine int
	}{
		{"syntax", "max_restarts = 2\nverbose = = true", 2},
		{"unknown key", "verbose = true\ncolor = \"red\"", 2},
		{"bad duration", `shutdown_timeout = "soon"`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, WorkspaceFile), tt.content)

			_, err := (&Loader{LookupEnv: noEnv}).Load(root)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Load() error = %v, want *ParseError", err)
			}
			if tt.wantLine > 0 && pe.Line != tt.wantLine {
				t.Errorf("Line = %d, want %d (%v)", pe.Line, tt.wantLine, err)
			}
		})
	}
}

func TestLoad_BadVerboseEnv(t *testing.T) {
	env := func(key string) (string, bool) {
		if key == EnvVerbose {
			return "sometimes", true
		}
		return "", false
	}
	if _, err := (&Loader{LookupEnv: env}).Load(""); err == nil {
		t.Error("Load() error = nil, want an error for an invalid boolean")
	}
}

func TestParseError_Error(t *testing.T) {
	tests := []struct {
		err  ParseError
		want string
	}{
		{ParseError{Path: "a.toml", Message: "bad"}, "parse error in a.toml: bad"},
		{ParseError{Path: "a.toml", Line: 3, Message: "bad"}, "parse error in a.toml at line 3: bad"},
		{ParseError{Path: "a.toml", Line: 3, Column: 7, Message: "bad"}, "parse error in a.toml at line 3, column 7: bad"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
