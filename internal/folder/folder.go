package folder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/fmtbridge/internal/approval"
	"github.com/dshills/fmtbridge/internal/config"
	"github.com/dshills/fmtbridge/internal/editorservice"
	"github.com/dshills/fmtbridge/internal/executable"
	"github.com/dshills/fmtbridge/internal/logging"
)

// Sentinel errors for the folder package.
var (
	// ErrDisposed is returned by every operation after Close.
	ErrDisposed = errors.New("folder is closed")

	// ErrNotInitialized is returned while the folder has no running
	// formatter. It wraps the initialization failure when there was one.
	ErrNotInitialized = errors.New("formatter is not initialized")

	// ErrNotApproved is returned when the workspace names an executable
	// the user did not allow.
	ErrNotApproved = errors.New("workspace executable was not approved")
)

// installHint is shown when the formatter cannot be run.
const installHint = "Ensure it is globally installed on the path (see https://dprint.dev/install) " +
	"or set \"path\" in the fmtbridge settings to the executable."

// Notifier shows user-facing error messages.
type Notifier interface {
	NotifyError(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

// NotifyError calls f.
func (f NotifierFunc) NotifyError(message string) { f(message) }

// Options configures a Folder.
type Options struct {
	// Dir is the workspace folder. Formatter processes always run here.
	Dir string

	// ConfigFile is the formatter configuration file, if one was found.
	ConfigFile string

	Settings  *config.Loader
	Approvals *approval.Store
	Notifier  Notifier
	Logger    *logging.Logger

	// Service tunes the editor service. Settings override its timing
	// fields.
	Service editorservice.Config

	// Env is appended to the environment of formatter processes.
	Env []string
}

// Folder is one formatting context: a workspace folder, its settings and
// the formatter process serving it.
//
// Folder is safe for concurrent use.
type Folder struct {
	opts   Options
	id     string
	logger *logging.Logger

	mu            sync.Mutex
	svc           editorservice.Service
	info          *executable.EditorInfo
	err           error
	disposed      bool
	notifications bool
}

// New creates a folder. Nothing runs until Initialize.
func New(opts Options) *Folder {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Settings == nil {
		opts.Settings = &config.Loader{}
	}
	id := uuid.NewString()
	return &Folder{
		opts:          opts,
		id:            id,
		logger:        opts.Logger.WithComponent("folder").WithField("folder", id[:8]),
		err:           ErrNotInitialized,
		notifications: opts.ConfigFile != "",
	}
}

// Dir returns the workspace folder.
func (f *Folder) Dir() string {
	return f.opts.Dir
}

// Root returns the folder the formatter resolves configuration from: the
// directory of the config file when there is one.
func (f *Folder) Root() string {
	if f.opts.ConfigFile != "" {
		return filepath.Dir(f.opts.ConfigFile)
	}
	return f.opts.Dir
}

// EditorInfo returns the formatter description from the last successful
// initialization, or nil.
func (f *Folder) EditorInfo() *executable.EditorInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

// Err returns the reason the folder cannot format, or nil once a formatter
// is ready. Folders without plugins report nil as well.
func (f *Folder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Initialize (re)starts the folder: settings are reloaded, the executable
// is checked and queried, and a new editor service replaces the old one.
// ready reports whether documents can be formatted afterwards.
func (f *Folder) Initialize(ctx context.Context) (ready bool, err error) {
	if err := f.reset(); err != nil {
		return false, err
	}

	settings, err := f.opts.Settings.Load(f.opts.Dir)
	if err != nil {
		return false, f.fail("Error loading settings", err)
	}
	if settings.Verbose {
		f.logger.SetVerbose(true)
	}

	if settings.Path != "" && f.opts.Approvals != nil {
		ok, err := f.opts.Approvals.Check(ctx, f.opts.Dir, settings.Path, settings.PathFromWorkspace)
		if err != nil {
			return false, f.fail("Error approving executable", err)
		}
		if !ok {
			f.logger.Warn("not running unapproved executable %s", settings.Path)
			return false, f.fail("Error initializing", fmt.Errorf("%w: %s", ErrNotApproved, settings.Path))
		}
	}

	exe := executable.New(executable.Options{
		Path:       settings.Path,
		Dir:        f.opts.Dir,
		ConfigFile: f.opts.ConfigFile,
		Verbose:    settings.Verbose,
		Env:        f.opts.Env,
		Logger:     f.logger,
	})

	if err := exe.CheckInstalled(ctx); err != nil {
		f.notify("Error initializing the formatter. " + installHint)
		return false, f.setErr(err)
	}

	info, err := exe.EditorInfo(ctx)
	if err != nil {
		return false, f.fail("Error initializing in "+exe.InitializationDir(), err)
	}

	svcCfg := f.opts.Service
	svcCfg.Logger = f.logger
	svcCfg.ShutdownTimeout = settings.ShutdownTimeout
	svcCfg.RestartCooldown = settings.RestartCooldown
	svcCfg.MaxRestarts = settings.MaxRestarts

	var svc editorservice.Service
	if info.HasPlugins() {
		svc, err = editorservice.New(info.SchemaVersion, exe.EditorServiceCommand(), svcCfg)
		if err != nil {
			return false, f.fail("Error initializing in "+exe.InitializationDir(), err)
		}
	}

	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		if svc != nil {
			svc.Kill()
		}
		return false, ErrDisposed
	}
	f.info = info
	f.svc = svc
	f.err = nil
	f.notifications = info.HasPlugins()
	f.mu.Unlock()

	if svc == nil {
		f.logger.Info("no formatter plugins configured in %s", exe.InitializationDir())
		return false, nil
	}

	f.logger.Info("Initialized formatter %s (schema %d, folder %s, command %s)",
		info.CLIVersion, info.SchemaVersion, exe.InitializationDir(), exe.Path())
	return true, nil
}

// reset kills the current service and clears the previous outcome.
func (f *Folder) reset() error {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return ErrDisposed
	}
	svc := f.svc
	f.svc = nil
	f.info = nil
	f.err = ErrNotInitialized
	f.mu.Unlock()

	if svc != nil {
		svc.Kill()
	}
	return nil
}

// fail records an initialization failure, logs it and notifies the user.
func (f *Folder) fail(msg string, cause error) error {
	f.logger.Error("%s: %v", msg, cause)
	f.notify(fmt.Sprintf("Error initializing the formatter. %v", cause))
	return f.setErr(cause)
}

func (f *Folder) setErr(cause error) error {
	err := fmt.Errorf("%w: %w", ErrNotInitialized, cause)
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return ErrDisposed
	}
	f.err = err
	f.mu.Unlock()
	return err
}

func (f *Folder) notify(msg string) {
	f.mu.Lock()
	enabled := f.notifications
	f.mu.Unlock()
	if enabled && f.opts.Notifier != nil {
		f.opts.Notifier.NotifyError(msg)
	}
}

// service returns the running service. ok is false for a folder without
// plugins.
func (f *Folder) service() (svc editorservice.Service, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.disposed:
		return nil, false, ErrDisposed
	case f.info != nil && !f.info.HasPlugins():
		return nil, false, nil
	case f.svc == nil:
		return nil, false, f.err
	}
	return f.svc, true, nil
}

// CanFormat reports whether the formatter handles path. A folder without
// plugins formats nothing.
func (f *Folder) CanFormat(ctx context.Context, path string) (bool, error) {
	svc, ok, err := f.service()
	if !ok {
		return false, err
	}
	return svc.CanFormat(ctx, path)
}

// FormatText formats text as the contents of path.
func (f *Folder) FormatText(ctx context.Context, path, text string) (editorservice.Result, error) {
	svc, ok, err := f.service()
	if !ok {
		if err == nil {
			return editorservice.Result{Status: editorservice.StatusUnchanged}, nil
		}
		return editorservice.Result{}, err
	}
	return svc.FormatText(ctx, path, text)
}

// FormatDocument formats a whole document and returns the edit replacing
// it, or nil when no edit applies: the file is not handled, the text is
// already formatted or ctx was cancelled.
func (f *Folder) FormatDocument(ctx context.Context, path, text string) (*Edit, error) {
	svc, ok, err := f.service()
	if !ok {
		if err != nil {
			f.logger.Warn("format request for %s before the formatter was ready", path)
		}
		return nil, err
	}

	can, err := svc.CanFormat(ctx, path)
	if err != nil {
		f.logger.Error("Error formatting text: %v", err)
		return nil, err
	}
	if !can {
		f.logger.Debug("Response - File not matched: %s", path)
		return nil, nil
	}

	res, err := svc.FormatText(ctx, path, text)
	if err != nil {
		f.logger.Error("Error formatting text: %v", err)
		var fe *editorservice.FormatError
		if errors.As(err, &fe) {
			f.notify(fe.Error())
		}
		return nil, err
	}

	switch res.Status {
	case editorservice.StatusFormatted:
		f.logger.Debug("Response - Formatted: %s", path)
		return &Edit{Path: path, Range: documentRange(text), NewText: res.Text}, nil
	case editorservice.StatusCancelled:
		f.logger.Debug("Response - Cancelled: %s", path)
	default:
		f.logger.Debug("Response - Formatted (No change): %s", path)
	}
	return nil, nil
}

// Kill tears down the formatter without closing the folder. Initialize
// starts a new one.
func (f *Folder) Kill() {
	f.mu.Lock()
	svc := f.svc
	f.svc = nil
	if !f.disposed {
		f.err = ErrNotInitialized
	}
	f.mu.Unlock()

	if svc != nil {
		svc.Kill()
	}
}

// Close kills the formatter and disposes the folder. It is safe to call
// more than once.
func (f *Folder) Close() {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.disposed = true
	svc := f.svc
	f.svc = nil
	f.err = ErrDisposed
	f.mu.Unlock()

	if svc != nil {
		svc.Kill()
	}
}
