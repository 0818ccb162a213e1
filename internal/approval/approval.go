// Package approval remembers which workspace-supplied executables the user
// allowed to run.
//
// Approvals persist per workspace in a TOML state file. Denials last for
// the lifetime of the Store only, so the user is asked again next session.
package approval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Decision is the user's answer to an approval prompt.
type Decision int

const (
	// Dismissed means the prompt was closed without an answer. The user is
	// asked again next time.
	Dismissed Decision = iota

	// Allow approves the path permanently.
	Allow

	// Deny rejects the path for the rest of the session.
	Deny
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "dismissed"
	}
}

// Prompter asks the user whether a workspace may run path.
type Prompter interface {
	Prompt(ctx context.Context, workspace, path string) (Decision, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, workspace, path string) (Decision, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, workspace, path string) (Decision, error) {
	return f(ctx, workspace, path)
}

// state is the layout of the state file.
type state struct {
	Approved map[string][]string `toml:"approved"`
}

// Store tracks approved and denied executable paths.
type Store struct {
	mu       sync.Mutex
	file     string
	prompter Prompter
	approved map[string][]string
	denied   map[string]map[string]bool
}

// Open loads the approvals in file. A missing file starts empty; an empty
// file name keeps approvals in memory only.
func Open(file string, prompter Prompter) (*Store, error) {
	s := &Store{
		file:     file,
		prompter: prompter,
		approved: make(map[string][]string),
		denied:   make(map[string]map[string]bool),
	}
	if file == "" {
		return s, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading approvals: %w", err)
	}

	var st state
	if err := toml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing approvals %s: %w", file, err)
	}
	for ws, paths := range st.Approved {
		s.approved[ws] = slices.Clone(paths)
	}
	return s, nil
}

// DefaultFile returns the path of the per-user state file.
func DefaultFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "fmtbridge", "approved.toml"), nil
}

// IsApproved reports whether path was approved for workspace.
func (s *Store) IsApproved(workspace, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.approved[workspace], path)
}

// Check reports whether workspace may run path, prompting the user when it
// was neither approved nor denied before. Paths that did not come from the
// workspace need no approval.
func (s *Store) Check(ctx context.Context, workspace, path string, fromWorkspace bool) (bool, error) {
	if !fromWorkspace {
		return true, nil
	}
	if s.IsApproved(workspace, path) {
		return true, nil
	}

	s.mu.Lock()
	denied := s.denied[workspace][path]
	s.mu.Unlock()
	if denied || s.prompter == nil {
		return false, nil
	}

	decision, err := s.prompter.Prompt(ctx, workspace, path)
	if err != nil {
		return false, err
	}

	switch decision {
	case Allow:
		return true, s.approve(workspace, path)
	case Deny:
		s.mu.Lock()
		if s.denied[workspace] == nil {
			s.denied[workspace] = make(map[string]bool)
		}
		s.denied[workspace][path] = true
		s.mu.Unlock()
	}
	return false, nil
}

func (s *Store) approve(workspace, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.approved[workspace], path) {
		return nil
	}
	s.approved[workspace] = append(s.approved[workspace], path)
	return s.save()
}

// save writes the approvals atomically. Callers hold s.mu.
func (s *Store) save() error {
	if s.file == "" {
		return nil
	}

	data, err := toml.Marshal(state{Approved: s.approved})
	if err != nil {
		return fmt.Errorf("marshal approvals: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create approvals directory: %w", err)
	}

	tempPath := s.file + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("write approvals: %w", err)
	}
	if err := os.Rename(tempPath, s.file); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write approvals: %w", err)
	}
	return nil
}
