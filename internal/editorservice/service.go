package editorservice

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dshills/fmtbridge/internal/logging"
	"github.com/dshills/fmtbridge/internal/process"
)

// Service talks to one formatter child process.
type Service interface {
	// Schema returns the protocol version selected at construction.
	Schema() Schema

	// CanFormat asks whether the formatter handles path.
	CanFormat(ctx context.Context, path string) (bool, error)

	// FormatText formats text as the contents of path. Cancelling ctx
	// before the formatter answers yields StatusCancelled and a nil error.
	FormatText(ctx context.Context, path, text string) (Result, error)

	// Shutdown asks the formatter to exit, waits up to the configured
	// shutdown timeout and then kills it. The service is unusable after.
	Shutdown(ctx context.Context) error

	// Kill terminates the formatter immediately. The service is unusable
	// after. Safe to call repeatedly and with requests in flight.
	Kill()

	// State returns the connection state.
	State() State
}

// Status describes the outcome of a FormatText call.
type Status int

const (
	// StatusUnchanged means the text was already formatted. Callers must
	// not apply an edit.
	StatusUnchanged Status = iota
	// StatusFormatted means Result.Text holds new text.
	StatusFormatted
	// StatusCancelled means the caller gave up before the answer arrived.
	StatusCancelled
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusUnchanged:
		return "unchanged"
	case StatusFormatted:
		return "formatted"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the outcome of a FormatText call. Text is set only for
// StatusFormatted.
type Result struct {
	Status Status
	Text   string
}

// Changed reports whether the result carries new text.
func (r Result) Changed() bool {
	return r.Status == StatusFormatted
}

func unchanged() Result { return Result{Status: StatusUnchanged} }
func cancelled() Result { return Result{Status: StatusCancelled} }
func formatted(text string) Result {
	return Result{Status: StatusFormatted, Text: text}
}

// State is the connection state.
type State int32

const (
	// StateNotStarted means no formatter process was spawned yet.
	StateNotStarted State = iota
	// StateRunning means a formatter process is attached.
	StateRunning
	// StateShuttingDown means a graceful shutdown is in progress.
	StateShuttingDown
	// StateTerminated means the process went away; the next request
	// spawns a fresh one.
	StateTerminated
	// StateFailed means the connection kept breaking and was abandoned.
	StateFailed
	// StateDisposed means Kill or Shutdown was called.
	StateDisposed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Schema is an editor-service protocol version.
type Schema int

// Supported schema versions.
const (
	Schema2 Schema = 2
	Schema3 Schema = 3
	Schema4 Schema = 4
	Schema5 Schema = 5

	MinSchema = Schema2
	MaxSchema = Schema5
)

// framed reports whether the schema uses id-correlated framed messages.
func (s Schema) framed() bool { return s >= Schema5 }

// sentinels reports whether sequential exchanges carry success sentinels.
func (s Schema) sentinels() bool { return s >= Schema3 }

// shutdownOp reports whether the sequential protocol has a shutdown
// operation.
func (s Schema) shutdownOp() bool { return s >= Schema4 }

// Config configures a Service.
type Config struct {
	// Logger receives connection diagnostics and the child's stderr.
	Logger *logging.Logger

	// ShutdownTimeout bounds the graceful shutdown before the kill.
	// Default: 1 second
	ShutdownTimeout time.Duration

	// RestartCooldown is the first delay before reconnecting after the
	// stream fell out of sync.
	// Default: 500 milliseconds
	RestartCooldown time.Duration

	// MaxCooldown caps the reconnect delay.
	// Default: 5 seconds
	MaxCooldown time.Duration

	// MaxRestarts is how many consecutive broken connections are
	// tolerated before the service fails for good.
	// Default: 5
	MaxRestarts int

	// ResetWindow is how long a connection must stay healthy for the
	// restart count to start over.
	// Default: 1 minute
	ResetWindow time.Duration
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout: process.DefaultShutdownTimeout,
		RestartCooldown: 500 * time.Millisecond,
		MaxCooldown:     5 * time.Second,
		MaxRestarts:     5,
		ResetWindow:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = d.RestartCooldown
	}
	if c.MaxCooldown < c.RestartCooldown {
		c.MaxCooldown = max(d.MaxCooldown, c.RestartCooldown)
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = d.MaxRestarts
	}
	if c.ResetWindow <= 0 {
		c.ResetWindow = d.ResetWindow
	}
	return c
}

// New creates the service implementation for schemaVersion. Children are
// spawned lazily with command, on the first request.
func New(schemaVersion int, command process.CommandFunc, cfg Config) (Service, error) {
	schema := Schema(schemaVersion)
	if schema < MinSchema || schema > MaxSchema {
		return nil, &SchemaError{Version: schemaVersion}
	}

	cfg = cfg.withDefaults()
	logger := cfg.Logger.WithComponent("editor-service").WithField("schema", schemaVersion)
	sup := process.NewSupervisor(command, process.WithLogger(logger))

	if schema.framed() {
		return newFramedService(schema, sup, cfg, logger), nil
	}
	return newSequentialService(schema, sup, cfg, logger), nil
}

// CalculateBackoff returns the delay before reconnect attempt number
// attempt. Attempts 0 and 1 wait initial; later attempts grow by
// multiplier up to limit.
func CalculateBackoff(attempt int, initial, limit time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(limit) {
		return limit
	}
	return time.Duration(delay)
}

// shutdownTimeout returns the configured timeout, shortened to ctx's
// deadline when that comes first.
func shutdownTimeout(ctx context.Context, configured time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < configured {
			return max(remaining, time.Millisecond)
		}
	}
	return configured
}
