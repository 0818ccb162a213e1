// Package testserver implements the formatter side of the editor-service
// protocol so the client packages can be tested against a real child
// process without an installed formatter.
//
// The test binary of a client package re-executes itself as the formatter:
//
//	func TestMain(m *testing.M) {
//		if testserver.Active() {
//			os.Exit(testserver.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
//		}
//		os.Exit(m.Run())
//	}
//
// and builds child commands with Command. The server understands the same
// sub-commands as the real CLI (-v, editor-info and editor-service) and
// speaks every supported schema version.
//
// Behavior is driven by the file name being formatted so tests can inject
// faults per request:
//
//	corrupt.*  response carries a corrupted sentinel
//	error.*    formatting fails with an error message
//	crash.*    the server exits while handling the request
//	slow.*     the response is delayed until cancelled or SlowDelay passes
//	ping.*     the server sends Active and waits for the reply first
//	unknown.*  the server sends an unknown message kind first
package testserver

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dshills/fmtbridge/internal/logging"
	"github.com/dshills/fmtbridge/internal/stream"
)

// Environment variables read by the server.
const (
	// EnvActivate makes Active report true in the child.
	EnvActivate = "FMTBRIDGE_TESTSERVER"

	// EnvSchema selects the schema version (default 5).
	EnvSchema = "FMTBRIDGE_TESTSERVER_SCHEMA"

	// EnvNoPlugins makes editor-info report no plugins.
	EnvNoPlugins = "FMTBRIDGE_TESTSERVER_NO_PLUGINS"

	// EnvBrokenInfo makes editor-info print invalid output.
	EnvBrokenInfo = "FMTBRIDGE_TESTSERVER_BROKEN_INFO"

	// EnvNotInstalled makes every sub-command fail as if the formatter
	// was missing.
	EnvNotInstalled = "FMTBRIDGE_TESTSERVER_NOT_INSTALLED"
)

// DefaultSchema is the schema version served when EnvSchema is unset.
const DefaultSchema = 5

// Version is reported by -v and editor-info.
const Version = "0.0.0-test"

// SlowDelay is how long a slow.* request waits for a cancellation.
const SlowDelay = 300 * time.Millisecond

// Active reports whether the current process was started as the server.
func Active() bool {
	return os.Getenv(EnvActivate) == "1"
}

// Command returns a command that runs the current test binary as the
// server for schema with the given arguments.
func Command(schema int, args ...string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), Environ(schema)...)
	return cmd
}

// Environ returns the variables that turn a re-executed test binary into
// the server for schema.
func Environ(schema int) []string {
	return []string{
		EnvActivate + "=1",
		EnvSchema + "=" + strconv.Itoa(schema),
	}
}

// Main runs the server with CLI-style arguments and returns the exit code.
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if os.Getenv(EnvNotInstalled) == "1" {
		fmt.Fprintln(stderr, "command not found")
		return 127
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: dprint <command>")
		return 2
	}

	schema := schemaFromEnv()

	switch args[0] {
	case "-v", "--version":
		fmt.Fprintf(stdout, "dprint %s\n", Version)
		return 0
	case "editor-info":
		return runEditorInfo(args[1:], schema, stdout, stderr)
	case "editor-service":
		return runEditorService(args[1:], schema, stdin, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		return 2
	}
}

func schemaFromEnv() int {
	v := os.Getenv(EnvSchema)
	if v == "" {
		return DefaultSchema
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return DefaultSchema
	}
	return n
}

func runEditorInfo(args []string, schema int, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("editor-info", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if os.Getenv(EnvBrokenInfo) == "1" {
		fmt.Fprintln(stdout, "{ this is not json")
		return 0
	}

	info, err := EditorInfoJSON(schema, os.Getenv(EnvNoPlugins) != "1", *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "build editor info: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, info)
	return 0
}

func runEditorService(args []string, schema int, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("editor-service", flag.ContinueOnError)
	fs.SetOutput(stderr)
	parentPID := fs.Int("parent-pid", 0, "process id of the editor")
	configPath := fs.String("config", "", "configuration file")
	verbose := fs.Bool("verbose", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *parentPID <= 0 {
		fmt.Fprintln(stderr, "missing --parent-pid")
		return 2
	}

	logger := logging.New(logging.Config{
		Level:  logging.LevelInfo,
		Output: stderr,
		Prefix: "test-formatter",
	})
	logger.SetVerbose(*verbose)
	logger.Info("editor service started (schema %d, parent %d, config %q)", schema, *parentPID, *configPath)

	c := newConn(stdin, stdout)

	switch schema {
	case 2, 3, 4:
		return serveSequential(c, schema, logger)
	case 5:
		return serveFramed(c, logger)
	default:
		logger.Error("unsupported schema %d", schema)
		return 1
	}
}

// conn adapts the server's standard streams to the protocol interfaces.
type conn struct {
	in *stream.Buffer

	mu  sync.Mutex
	out io.Writer
}

func newConn(stdin io.Reader, stdout io.Writer) *conn {
	c := &conn{in: stream.NewBuffer(), out: stdout}
	go func() { _ = c.in.Pump(stdin) }()
	return c
}

func (c *conn) ReadExact(ctx context.Context, n int) ([]byte, error) {
	return c.in.ReadExact(ctx, n)
}

func (c *conn) ReadUint32(ctx context.Context) (uint32, error) {
	return c.in.ReadUint32(ctx)
}

func (c *conn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.out.Write(p)
	return err
}

// fault is the injected behavior selected by a file name.
type fault string

const (
	faultNone    fault = ""
	faultCorrupt fault = "corrupt"
	faultError   fault = "error"
	faultCrash   fault = "crash"
	faultSlow    fault = "slow"
	faultPing    fault = "ping"
	faultUnknown fault = "unknown"
)

func faultFor(path string) fault {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	switch f := fault(base); f {
	case faultCorrupt, faultError, faultCrash, faultSlow, faultPing, faultUnknown:
		return f
	}
	return faultNone
}

// errStop ends a serve loop with the carried exit code.
type errStop struct {
	code int
}

func (e *errStop) Error() string {
	return fmt.Sprintf("server stopped with code %d", e.code)
}

func exitCode(err error) int {
	var stop *errStop
	if errors.As(err, &stop) {
		return stop.code
	}
	if errors.Is(err, stream.ErrClosed) {
		return 0
	}
	return 1
}
