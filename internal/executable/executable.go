package executable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/dshills/fmtbridge/internal/logging"
	"github.com/dshills/fmtbridge/internal/process"
)

// DefaultCommand is run when no path is configured and no npm install is
// found.
const DefaultCommand = "dprint"

// ErrNotInstalled is returned by CheckInstalled when the formatter cannot
// be run.
var ErrNotInstalled = errors.New("formatter is not installed")

// Options describes how to run the formatter for one folder.
type Options struct {
	// Path is the configured executable. Empty means resolve it from the
	// folder or PATH.
	Path string

	// Dir is the working directory of every formatter process.
	Dir string

	// ConfigFile is passed as --config when set.
	ConfigFile string

	// Verbose adds --verbose to the editor service.
	Verbose bool

	// Env is appended to the environment of every formatter process.
	Env []string

	Logger *logging.Logger
}

// Executable runs the formatter CLI for one folder.
type Executable struct {
	path       string
	dir        string
	configFile string
	verbose    bool
	env        []string
	logger     *logging.Logger
}

// New resolves the command for opts.
func New(opts Options) *Executable {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	var path string
	if opts.Path != "" {
		path = ResolvePath(opts.Path, opts.Dir)
	} else if npm, ok := FindNpmExecutable(opts.Dir); ok {
		path = npm
	} else {
		path = DefaultCommand
	}

	return &Executable{
		path:       path,
		dir:        opts.Dir,
		configFile: opts.ConfigFile,
		verbose:    opts.Verbose,
		env:        opts.Env,
		logger:     logger,
	}
}

// Path returns the resolved command.
func (e *Executable) Path() string {
	return e.path
}

// InitializationDir returns the folder the formatter resolves its
// configuration from: the directory of the config file when one is set,
// the working directory otherwise.
func (e *Executable) InitializationDir() string {
	if e.configFile != "" {
		return filepath.Dir(e.configFile)
	}
	return e.dir
}

// CheckInstalled runs the formatter's version command.
func (e *Executable) CheckInstalled(ctx context.Context) error {
	if _, err := e.output(ctx, "-v"); err != nil {
		e.logger.Error("%v", err)
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	return nil
}

// EditorInfo queries the formatter's schema version and plugins.
func (e *Executable) EditorInfo(ctx context.Context) (*EditorInfo, error) {
	out, err := e.output(ctx, append([]string{"editor-info"}, e.configArgs()...)...)
	if err != nil {
		return nil, err
	}
	return ParseEditorInfo(out)
}

// EditorServiceCommand returns a builder for the long-running editor
// service command. Each call of the returned function builds a fresh
// command.
func (e *Executable) EditorServiceCommand() process.CommandFunc {
	return func() (*exec.Cmd, error) {
		args := []string{"editor-service", "--parent-pid", strconv.Itoa(os.Getpid())}
		args = append(args, e.configArgs()...)
		if e.verbose {
			args = append(args, "--verbose")
		}
		return e.command(context.Background(), args...), nil
	}
}

func (e *Executable) configArgs() []string {
	if e.configFile == "" {
		return nil
	}
	return []string{"--config", e.configFile}
}

func (e *Executable) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Dir = e.dir
	if len(e.env) > 0 {
		cmd.Env = append(os.Environ(), e.env...)
	}
	return cmd
}

// output runs a short-lived sub-command and returns its stdout without
// the final line break.
func (e *Executable) output(ctx context.Context, args ...string) (string, error) {
	cmd := e.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &RunError{
			Command: e.path,
			Args:    args,
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}

	out := strings.TrimSuffix(stdout.String(), "\n")
	return strings.TrimSuffix(out, "\r"), nil
}

// RunError is returned when a formatter sub-command fails.
type RunError struct {
	Command string
	Args    []string
	Stderr  string
	Err     error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Command, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ResolvePath turns a configured executable path into a command. Paths
// starting with ./ or ../ are relative to dir, ~/ is expanded to the home
// directory and anything else is used as is.
func ResolvePath(path, dir string) string {
	path = ExpandHome(path)
	if strings.HasPrefix(path, "./") || strings.HasPrefix(path, "../") {
		return filepath.Join(dir, path)
	}
	return path
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// FindNpmExecutable looks for the npm-installed formatter in dir and its
// ancestors.
func FindNpmExecutable(dir string) (string, bool) {
	if dir == "" {
		return "", false
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, "node_modules", "dprint", exeName())
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func exeName() string {
	if runtime.GOOS == "windows" {
		return "dprint.exe"
	}
	return "dprint"
}
