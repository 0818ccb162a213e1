package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Names of the settings files and environment variables.
const (
	// WorkspaceFile is read from the root of every workspace folder.
	WorkspaceFile = ".fmtbridge.toml"

	// EnvPath overrides the formatter executable.
	EnvPath = "FMTBRIDGE_PATH"

	// EnvVerbose enables verbose logging when set to a true value.
	EnvVerbose = "FMTBRIDGE_VERBOSE"
)

// Settings configures the formatter for one workspace folder.
type Settings struct {
	// Path is the formatter executable. Empty means resolve it
	// automatically.
	Path string

	// PathFromWorkspace is set when Path came from the workspace file. Such
	// paths need approval before they are run.
	PathFromWorkspace bool

	// Verbose turns on debug logging here and in the formatter.
	Verbose bool

	ShutdownTimeout time.Duration
	RestartCooldown time.Duration
	MaxRestarts     int
}

// Default returns the settings used when no file sets a value.
func Default() Settings {
	return Settings{
		ShutdownTimeout: time.Second,
		RestartCooldown: 500 * time.Millisecond,
		MaxRestarts:     5,
	}
}

// Duration is a time.Duration written as a string such as "750ms".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// file is the on-disk layout. Unset keys stay nil so files layer.
type file struct {
	Path            *string   `toml:"path"`
	Verbose         *bool     `toml:"verbose"`
	ShutdownTimeout *Duration `toml:"shutdown_timeout"`
	RestartCooldown *Duration `toml:"restart_cooldown"`
	MaxRestarts     *int      `toml:"max_restarts"`
}

// Loader layers settings from the user file, the workspace file and the
// environment, in increasing priority.
type Loader struct {
	// UserFile is the per-user settings file. Empty skips it.
	UserFile string

	// LookupEnv reads the environment. Defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
}

// NewLoader creates a loader for the default user file.
func NewLoader() *Loader {
	path, _ := DefaultUserFile()
	return &Loader{UserFile: path}
}

// DefaultUserFile returns the path of the per-user settings file.
func DefaultUserFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "fmtbridge", "config.toml"), nil
}

// Load returns the settings for the workspace folder at root. A missing
// file is not an error.
func (l *Loader) Load(root string) (Settings, error) {
	s := Default()

	if l.UserFile != "" {
		f, err := readFile(l.UserFile)
		if err != nil {
			return s, err
		}
		s = f.apply(s, false)
	}

	if root != "" {
		f, err := readFile(filepath.Join(root, WorkspaceFile))
		if err != nil {
			return s, err
		}
		s = f.apply(s, true)
	}

	return l.applyEnv(s)
}

func (l *Loader) applyEnv(s Settings) (Settings, error) {
	lookup := l.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup(EnvPath); ok {
		if v = strings.TrimSpace(v); v != "" {
			s.Path = v
			s.PathFromWorkspace = false
		}
	}
	if v, ok := lookup(EnvVerbose); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("%s: %w", EnvVerbose, err)
		}
		s.Verbose = b
	}
	return s, nil
}

func (f *file) apply(s Settings, fromWorkspace bool) Settings {
	if f == nil {
		return s
	}
	if f.Path != nil {
		if p := strings.TrimSpace(*f.Path); p != "" {
			s.Path = p
			s.PathFromWorkspace = fromWorkspace
		}
	}
	if f.Verbose != nil {
		s.Verbose = *f.Verbose
	}
	if f.ShutdownTimeout != nil && f.ShutdownTimeout.Duration > 0 {
		s.ShutdownTimeout = f.ShutdownTimeout.Duration
	}
	if f.RestartCooldown != nil && f.RestartCooldown.Duration > 0 {
		s.RestartCooldown = f.RestartCooldown.Duration
	}
	if f.MaxRestarts != nil && *f.MaxRestarts > 0 {
		s.MaxRestarts = *f.MaxRestarts
	}
	return s
}

// readFile decodes path. It returns nil when the file does not exist.
func readFile(path string) (*file, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var f file
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, newParseError(path, err)
	}
	return &f, nil
}

// ParseError reports a settings file that could not be decoded.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func newParseError(path string, err error) *ParseError {
	pe := &ParseError{Path: path, Message: err.Error(), Err: err}

	var decodeErr *toml.DecodeError
	var strictErr *toml.StrictMissingError
	switch {
	case errors.As(err, &decodeErr):
		pe.Line, pe.Column = decodeErr.Position()
	case errors.As(err, &strictErr) && len(strictErr.Errors) > 0:
		first := strictErr.Errors[0]
		pe.Line, pe.Column = first.Position()
		pe.Message = "unknown setting " + strings.Join(first.Key(), ".")
	}
	return pe
}

func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
