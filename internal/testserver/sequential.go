package testserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/fmtbridge/internal/logging"
	"github.com/dshills/fmtbridge/internal/protocol"
)

// serveSequential serves schemas 2 to 4, one exchange at a time.
func serveSequential(c *conn, schema int, logger *logging.Logger) int {
	ctx := context.Background()
	sentinels := schema >= 3

	for {
		op, err := c.ReadUint32(ctx)
		if err != nil {
			return exitCode(err)
		}

		switch op {
		case protocol.OpShutdown:
			if schema < 4 {
				logger.Error("shutdown is not supported by schema %d", schema)
				return 1
			}
			logger.Info("shutdown requested")
			return 0

		case protocol.OpCanFormat:
			path, err := protocol.ReadString(ctx, c)
			if err != nil {
				return exitCode(err)
			}
			if err := readSentinel(ctx, c, sentinels); err != nil {
				logger.Error("can format: %v", err)
				return 1
			}
			var answer uint32
			if CanFormat(path) {
				answer = 1
			}
			if err := protocol.WriteUint32(c, answer); err != nil {
				return 1
			}
			if err := writeSentinel(c, sentinels, faultNone); err != nil {
				return 1
			}

		case protocol.OpFormat:
			path, err := protocol.ReadString(ctx, c)
			if err != nil {
				return exitCode(err)
			}
			text, err := protocol.ReadString(ctx, c)
			if err != nil {
				return exitCode(err)
			}
			if err := readSentinel(ctx, c, sentinels); err != nil {
				logger.Error("format: %v", err)
				return 1
			}
			if err := respondFormat(ctx, c, sentinels, path, text); err != nil {
				var stop *errStop
				if errors.As(err, &stop) {
					logger.Error("crashing while formatting %s", path)
					return stop.code
				}
				logger.Error("format response: %v", err)
				return 1
			}

		default:
			logger.Error("unknown operation %d", op)
			return 1
		}
	}
}

func respondFormat(ctx context.Context, c *conn, sentinels bool, path, text string) error {
	f := faultFor(path)
	switch f {
	case faultCrash:
		return &errStop{code: 1}

	case faultCorrupt:
		if !sentinels {
			// Without sentinels corruption shows up as a bad response code.
			return protocol.WriteUint32(c, 9)
		}
		if err := protocol.WriteUint32(c, protocol.ResponseNoChange); err != nil {
			return err
		}
		return writeSentinel(c, sentinels, f)

	case faultError:
		return writeResult(ctx, c, sentinels, protocol.ResponseError, "Error formatting "+path+". Message: syntax error")
	}

	formatted, changed, err := Format(path, text)
	switch {
	case err != nil:
		return writeResult(ctx, c, sentinels, protocol.ResponseError, fmt.Sprintf("Error formatting %s. Message: %v", path, err))
	case !changed:
		if err := protocol.WriteUint32(c, protocol.ResponseNoChange); err != nil {
			return err
		}
		return writeSentinel(c, sentinels, faultNone)
	default:
		return writeResult(ctx, c, sentinels, protocol.ResponseFormatted, formatted)
	}
}

func writeResult(ctx context.Context, c *conn, sentinels bool, code uint32, s string) error {
	if err := protocol.WriteUint32(c, code); err != nil {
		return err
	}
	if err := protocol.WriteString(ctx, c, s); err != nil {
		return err
	}
	return writeSentinel(c, sentinels, faultNone)
}

func readSentinel(ctx context.Context, c *conn, sentinels bool) error {
	if !sentinels {
		return nil
	}
	return protocol.ExpectSentinel(ctx, c)
}

func writeSentinel(c *conn, sentinels bool, f fault) error {
	if !sentinels {
		return nil
	}
	if f == faultCorrupt {
		return c.Write([]byte{0xFF, 0x00, 0xFF, 0xFF})
	}
	return protocol.WriteSentinel(c)
}
