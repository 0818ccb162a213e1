package workspace

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dshills/fmtbridge/internal/approval"
	"github.com/dshills/fmtbridge/internal/config"
	"github.com/dshills/fmtbridge/internal/editorservice"
	"github.com/dshills/fmtbridge/internal/executable"
	"github.com/dshills/fmtbridge/internal/folder"
	"github.com/dshills/fmtbridge/internal/logging"
)

// ErrDisposed is returned by every operation after Close.
var ErrDisposed = errors.New("workspace is closed")

// ConfigFileNames are the formatter configuration files, in lookup order.
var ConfigFileNames = []string{"dprint.json", ".dprint.json", "dprint.jsonc", ".dprint.jsonc"}

// IsConfigFile reports whether path names a formatter configuration file.
func IsConfigFile(path string) bool {
	return slices.Contains(ConfigFileNames, filepath.Base(path))
}

// FolderInfo describes an initialized folder.
type FolderInfo struct {
	Root       string
	EditorInfo *executable.EditorInfo
}

// Options configures a Workspace. The fields are handed to every folder.
type Options struct {
	Settings  *config.Loader
	Approvals *approval.Store
	Notifier  folder.Notifier
	Logger    *logging.Logger
	Service   editorservice.Config
	Env       []string

	// Debounce delays re-initialization after a config file changes.
	Debounce time.Duration

	// OnReinitialize is called after Watch re-initialized the folders.
	OnReinitialize func(infos []FolderInfo, err error)
}

// Workspace routes documents to the folder that owns them.
//
// Workspace is safe for concurrent use.
type Workspace struct {
	opts   Options
	logger *logging.Logger

	mu       sync.Mutex
	roots    []string
	folders  []*folder.Folder
	disposed bool
	closed   chan struct{}
}

// New creates an empty workspace.
func New(opts Options) *Workspace {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 250 * time.Millisecond
	}
	return &Workspace{
		opts:   opts,
		logger: opts.Logger.WithComponent("workspace"),
		closed: make(chan struct{}),
	}
}

// InitializeFolders replaces the folders with one per root and initializes
// them concurrently. It returns the folders that are ready to format.
func (w *Workspace) InitializeFolders(ctx context.Context, roots []string) ([]FolderInfo, error) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return nil, ErrDisposed
	}
	old := w.folders
	w.roots = slices.Clone(roots)
	w.folders = nil
	for _, root := range roots {
		configFile, _ := FindConfigFile(root)
		w.folders = append(w.folders, folder.New(folder.Options{
			Dir:        root,
			ConfigFile: configFile,
			Settings:   w.opts.Settings,
			Approvals:  w.opts.Approvals,
			Notifier:   w.opts.Notifier,
			Logger:     w.opts.Logger,
			Service:    w.opts.Service,
			Env:        w.opts.Env,
		}))
	}
	folders := slices.Clone(w.folders)
	w.mu.Unlock()

	for _, f := range old {
		f.Close()
	}

	ready := make([]bool, len(folders))
	var wg sync.WaitGroup
	for i, f := range folders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.Initialize(ctx)
			if err != nil && !errors.Is(err, folder.ErrDisposed) {
				w.logger.Debug("folder %s not ready: %v", f.Dir(), err)
			}
			ready[i] = ok
		}()
	}
	wg.Wait()

	w.mu.Lock()
	disposed := w.disposed
	w.mu.Unlock()
	if disposed {
		return nil, ErrDisposed
	}

	var infos []FolderInfo
	for i, f := range folders {
		if !ready[i] {
			continue
		}
		if info := f.EditorInfo(); info != nil {
			infos = append(infos, FolderInfo{Root: f.Root(), EditorInfo: info})
		}
	}
	return infos, nil
}

// Roots returns the roots of the last InitializeFolders call.
func (w *Workspace) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.roots)
}

// FolderFor returns the deepest folder whose root contains path, or nil.
func (w *Workspace) FolderFor(path string) *folder.Folder {
	w.mu.Lock()
	defer w.mu.Unlock()

	var best *folder.Folder
	bestLen := -1
	for _, f := range w.folders {
		root := f.Root()
		if within(root, path) && len(root) > bestLen {
			best, bestLen = f, len(root)
		}
	}
	return best
}

// within reports whether path is root or inside it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// FormatDocument formats a document with the folder that owns it. It
// returns nil when no folder owns path or no edit applies.
func (w *Workspace) FormatDocument(ctx context.Context, path, text string) (*folder.Edit, error) {
	if w.isDisposed() {
		return nil, ErrDisposed
	}
	f := w.FolderFor(path)
	if f == nil {
		w.logger.Debug("no folder for %s", path)
		return nil, nil
	}
	return f.FormatDocument(ctx, path, text)
}

func (w *Workspace) isDisposed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disposed
}

// Close disposes every folder. It is safe to call more than once.
func (w *Workspace) Close() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	close(w.closed)
	folders := w.folders
	w.folders = nil
	w.mu.Unlock()

	for _, f := range folders {
		f.Close()
	}
}

// skipDirs are never searched for config files.
var skipDirs = []string{"node_modules", ".git"}

// FindConfigFile returns the first config file in root, then in its
// subdirectories in walk order.
func FindConfigFile(root string) (string, bool) {
	for _, name := range ConfigFileNames {
		path := filepath.Join(root, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}

	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && slices.Contains(skipDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if IsConfigFile(path) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, found != ""
}
