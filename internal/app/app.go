// Package app wires the formatter stack together for one process: the
// logger, settings, approvals and the workspace.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dshills/fmtbridge/internal/approval"
	"github.com/dshills/fmtbridge/internal/config"
	"github.com/dshills/fmtbridge/internal/editorservice"
	"github.com/dshills/fmtbridge/internal/folder"
	"github.com/dshills/fmtbridge/internal/logging"
	"github.com/dshills/fmtbridge/internal/workspace"
)

// Application errors.
var (
	// ErrNotRunning is returned before Start and after Shutdown.
	ErrNotRunning = errors.New("application not running")

	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("application already running")
)

// Options configures the application.
type Options struct {
	// Roots are the workspace folders. Defaults to the working directory.
	Roots []string

	// UserConfigFile overrides the per-user settings file.
	UserConfigFile string

	// ApprovalsFile overrides the approval state file.
	ApprovalsFile string

	// Verbose enables debug logging.
	Verbose bool

	// LogOutput receives log lines. Defaults to os.Stderr.
	LogOutput io.Writer

	Prompter approval.Prompter
	Notifier folder.Notifier

	// Env is appended to the environment of formatter processes.
	Env []string
}

// Application is the process-wide context. It is created once at startup.
type Application struct {
	opts      Options
	logger    *logging.Logger
	settings  *config.Loader
	approvals *approval.Store
	workspace *workspace.Workspace

	running atomic.Bool
	mu      sync.Mutex
	infos   []workspace.FolderInfo
}

// New creates the application. Nothing is started until Start.
func New(opts Options) (*Application, error) {
	if len(opts.Roots) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &InitError{Component: "workspace", Err: err}
		}
		opts.Roots = []string{wd}
	}
	for i, root := range opts.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, &InitError{Component: "workspace", Err: err}
		}
		opts.Roots[i] = abs
	}

	logCfg := logging.DefaultConfig()
	if opts.LogOutput != nil {
		logCfg.Output = opts.LogOutput
	}
	logger := logging.New(logCfg)
	logger.SetVerbose(opts.Verbose)

	settings := config.NewLoader()
	if opts.UserConfigFile != "" {
		settings.UserFile = opts.UserConfigFile
	}

	approvalsFile := opts.ApprovalsFile
	if approvalsFile == "" {
		if f, err := approval.DefaultFile(); err == nil {
			approvalsFile = f
		}
	}
	approvals, err := approval.Open(approvalsFile, opts.Prompter)
	if err != nil {
		return nil, &InitError{Component: "approvals", Err: err}
	}

	a := &Application{
		opts:      opts,
		logger:    logger,
		settings:  settings,
		approvals: approvals,
	}
	a.workspace = workspace.New(workspace.Options{
		Settings:  settings,
		Approvals: approvals,
		Notifier:  opts.Notifier,
		Logger:    logger,
		Service:   editorservice.DefaultConfig(),
		Env:       opts.Env,
		OnReinitialize: func(infos []workspace.FolderInfo, err error) {
			if err == nil {
				a.setInfos(infos)
			}
		},
	})
	return a, nil
}

// Logger returns the application logger.
func (a *Application) Logger() *logging.Logger {
	return a.logger
}

// Workspace returns the workspace.
func (a *Application) Workspace() *workspace.Workspace {
	return a.workspace
}

// Start initializes every workspace folder.
func (a *Application) Start(ctx context.Context) ([]workspace.FolderInfo, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	infos, err := a.workspace.InitializeFolders(ctx, a.opts.Roots)
	if err != nil {
		a.running.Store(false)
		return nil, &InitError{Component: "workspace", Err: err}
	}
	a.setInfos(infos)
	return infos, nil
}

// Folders returns the folders that were ready after the last
// initialization.
func (a *Application) Folders() []workspace.FolderInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]workspace.FolderInfo(nil), a.infos...)
}

func (a *Application) setInfos(infos []workspace.FolderInfo) {
	a.mu.Lock()
	a.infos = infos
	a.mu.Unlock()
}

// FileResult is the outcome of formatting one file.
type FileResult struct {
	Path      string
	Formatted string
	Changed   bool
}

// FormatFile formats the file at path. The file is left untouched.
func (a *Application) FormatFile(ctx context.Context, path string) (FileResult, error) {
	if !a.running.Load() {
		return FileResult{}, ErrNotRunning
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return FileResult{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return FileResult{}, &FileError{Op: "read", Path: path, Err: err}
	}

	text := string(data)
	edit, err := a.workspace.FormatDocument(ctx, abs, text)
	if err != nil {
		return FileResult{}, &FileError{Op: "format", Path: path, Err: err}
	}
	if edit == nil {
		return FileResult{Path: path, Formatted: text}, nil
	}
	// Edits always span the whole document.
	return FileResult{Path: path, Formatted: edit.NewText, Changed: true}, nil
}

// WriteFile formats the file at path in place. It reports whether the file
// changed.
func (a *Application) WriteFile(ctx context.Context, path string) (bool, error) {
	res, err := a.FormatFile(ctx, path)
	if err != nil || !res.Changed {
		return false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, &FileError{Op: "write", Path: path, Err: err}
	}
	if err := os.WriteFile(path, []byte(res.Formatted), info.Mode().Perm()); err != nil {
		return false, &FileError{Op: "write", Path: path, Err: err}
	}
	a.logger.Info("formatted %s", path)
	return true, nil
}

// Watch follows config file changes until ctx is done or Shutdown.
func (a *Application) Watch(ctx context.Context) error {
	if !a.running.Load() {
		return ErrNotRunning
	}
	return a.workspace.Watch(ctx)
}

// Shutdown stops every formatter. It is safe to call more than once.
func (a *Application) Shutdown() {
	a.running.Store(false)
	a.workspace.Close()
}

// InitError reports a component that failed to start.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// FileError reports a failed file operation.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
