package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/fmtbridge/internal/config"
	"github.com/dshills/fmtbridge/internal/testserver"
	"github.com/dshills/fmtbridge/internal/workspace"
)

func TestMain(m *testing.M) {
	if testserver.Active() {
		os.Exit(testserver.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newApp(t *testing.T, root string) (*Application, *syncBuffer) {
	t.Helper()
	t.Setenv(config.EnvPath, os.Args[0])

	out := &syncBuffer{}
	dir := t.TempDir()
	a, err := New(Options{
		Roots:          []string{root},
		UserConfigFile: filepath.Join(dir, "config.toml"),
		ApprovalsFile:  filepath.Join(dir, "approved.toml"),
		Verbose:        true,
		LogOutput:      out,
		Env:            testserver.Environ(testserver.DefaultSchema),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a, out
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStart(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "dprint.json"), "{}")
	a, out := newApp(t, root)
	ctx := testContext(t)

	infos, err := a.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(infos) != 1 || infos[0].Root != root {
		t.Errorf("Start() = %+v", infos)
	}
	if len(a.Folders()) != 1 {
		t.Errorf("Folders() = %+v", a.Folders())
	}
	if _, err := a.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if !strings.Contains(out.String(), "Initialized formatter") {
		t.Errorf("log does not mention initialization:\n%s", out.String())
	}
}

func TestFormatFile(t *testing.T) {
	root := t.TempDir()
	a, _ := newApp(t, root)
	ctx := testContext(t)
	if _, err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(root, "test.json")
	writeFile(t, path, `{"test":     5}`)

	res, err := a.FormatFile(ctx, path)
	if err != nil {
		t.Fatalf("FormatFile() error = %v", err)
	}
	if !res.Changed || res.Formatted != "{\n  \"test\": 5\n}\n" {
		t.Errorf("FormatFile() = %+v", res)
	}

	changed, err := a.WriteFile(ctx, path)
	if err != nil || !changed {
		t.Fatalf("WriteFile() = %v, %v", changed, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != res.Formatted {
		t.Errorf("file content = %q, want %q", data, res.Formatted)
	}

	changed, err = a.WriteFile(ctx, path)
	if err != nil || changed {
		t.Errorf("WriteFile() on a formatted file = %v, %v, want false, nil", changed, err)
	}

	txt := filepath.Join(root, "test.txt")
	writeFile(t, txt, "left alone   ")
	res, err = a.FormatFile(ctx, txt)
	if err != nil || res.Changed || res.Formatted != "left alone   " {
		t.Errorf("FormatFile(test.txt) = %+v, %v", res, err)
	}
}

func TestFormatFile_Errors(t *testing.T) {
	root := t.TempDir()
	a, _ := newApp(t, root)
	ctx := testContext(t)

	if _, err := a.FormatFile(ctx, filepath.Join(root, "a.json")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("FormatFile() before Start error = %v, want ErrNotRunning", err)
	}
	if _, err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	var fe *FileError
	if _, err := a.FormatFile(ctx, filepath.Join(root, "missing.json")); !errors.As(err, &fe) || fe.Op != "read" {
		t.Errorf("FormatFile(missing) error = %v, want a read *FileError", err)
	}

	bad := filepath.Join(root, "bad.json")
	writeFile(t, bad, "{ nope")
	if _, err := a.FormatFile(ctx, bad); !errors.As(err, &fe) || fe.Op != "format" {
		t.Errorf("FormatFile(bad.json) error = %v, want a format *FileError", err)
	}
}

func TestShutdown(t *testing.T) {
	a, _ := newApp(t, t.TempDir())
	ctx := testContext(t)
	if _, err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	a.Shutdown()
	a.Shutdown()

	if err := a.Watch(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Watch() after Shutdown error = %v, want ErrNotRunning", err)
	}
	if _, err := a.Workspace().InitializeFolders(ctx, nil); !errors.Is(err, workspace.ErrDisposed) {
		t.Errorf("InitializeFolders() after Shutdown error = %v, want ErrDisposed", err)
	}
}
