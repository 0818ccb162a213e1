// Package editorservice is the client side of the formatter's
// editor-service protocol.
//
// New picks the implementation for the schema version reported by the
// formatter's editor-info output. The choice is made once per Service:
//
//	svc, err := editorservice.New(info.SchemaVersion, command, editorservice.DefaultConfig())
//	if err != nil {
//		return err // *SchemaError for unsupported versions
//	}
//	defer svc.Kill()
//
//	res, err := svc.FormatText(ctx, "/project/a.json", text)
//	if err == nil && res.Changed() {
//		apply(res.Text)
//	}
//
// # Sequential Schemas
//
// Schemas 2 to 4 carry no message ids. Requests are queued and sent one at
// a time; each request's response is read completely before the next
// request is written. Queued requests fail with ErrCancelled when the
// process exits. A request that has started writing runs to completion
// even if its context is cancelled.
//
// # Framed Schema
//
// Schema 5 frames every message with an id. A background read loop per
// child process resolves callers by the responding id, answers Active
// pings and rejects message kinds it does not understand. Cancelling a
// FormatText releases the caller at once and sends CancelFormat; a late
// response is dropped.
//
// When the stream falls out of sync (bad sentinel, malformed body) the
// child is killed and new requests wait out a cooldown that grows with
// each consecutive failure. After Config.MaxRestarts consecutive failures
// the service fails with ErrConnectionFailed.
//
// # Teardown
//
// Shutdown asks the formatter to exit and kills it after
// Config.ShutdownTimeout whatever the outcome; Kill skips the request.
// Both fail outstanding requests with ErrCancelled, and every later call
// returns ErrDisposed.
package editorservice
