// Package errs defines the error taxonomy shared by every component of the
// ingestion pipeline, per SPEC_FULL.md §8.
package errs

import "fmt"

// TransportError wraps a broker/network failure. Callers retry locally with
// backoff; it is never propagated to a gateway client.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// ProtocolError signals a malformed venue wire frame. The frame is dropped
// and a counter incremented; the stream continues.
type ProtocolError struct {
	Venue string
	Err   error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol(%s): %v", e.Venue, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

func Protocol(venue string, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Venue: venue, Err: err}
}

// DisconnectError signals a venue WebSocket close. It propagates up to the
// ingestor, which re-enters Disconnected and reconnects.
type DisconnectError struct {
	Venue string
	Err   error
}

func (e *DisconnectError) Error() string { return fmt.Sprintf("disconnect(%s): %v", e.Venue, e.Err) }
func (e *DisconnectError) Unwrap() error { return e.Err }

func Disconnect(venue string, err error) error {
	return &DisconnectError{Venue: venue, Err: err}
}

// SequenceGapError signals a DOM update-id discontinuity. Triggers a
// resnapshot; repeated gaps trip the venue-instability flag.
type SequenceGapError struct {
	Exchange, Symbol       string
	Expected, Got          int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap %s:%s expected=%d got=%d", e.Exchange, e.Symbol, e.Expected, e.Got)
}

func SequenceGap(exchange, symbol string, expected, got int64) error {
	return &SequenceGapError{Exchange: exchange, Symbol: symbol, Expected: expected, Got: got}
}

// InvariantViolation signals a book invariant failure after apply (e.g.
// best_bid >= best_ask). Logged with full context; triggers a resnapshot.
type InvariantViolation struct {
	Exchange, Symbol, Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation %s:%s: %s", e.Exchange, e.Symbol, e.Reason)
}

func Invariant(exchange, symbol, reason string) error {
	return &InvariantViolation{Exchange: exchange, Symbol: symbol, Reason: reason}
}

// ConfigurationError signals malformed environment/config at startup. Fatal;
// the process exits with code 2.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration(%s): %v", e.Field, e.Err)
}
func (e *ConfigurationError) Unwrap() error { return e.Err }

func Configuration(field string, err error) error {
	return &ConfigurationError{Field: field, Err: err}
}

// ClientError signals a bad subscription request from a gateway client. The
// connection is closed with a 4xxx WebSocket close code; the server
// continues serving other clients.
type ClientError struct {
	Code   int
	Reason string
}

func (e *ClientError) Error() string { return fmt.Sprintf("client error %d: %s", e.Code, e.Reason) }

func Client(code int, reason string) error {
	return &ClientError{Code: code, Reason: reason}
}

// ExitCodeForStartupError returns the process exit code for a fatal startup
// error, per spec.md §6 ("CLI binaries return 0 on normal shutdown, 2 on
// unrecoverable startup error").
func ExitCodeForStartupError(err error) int {
	if err == nil {
		return 0
	}
	return 2
}
