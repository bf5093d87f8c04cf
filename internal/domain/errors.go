package domain

import "fmt"

// Sentinel errors for the relay.
var (
	ErrNotConnected      = fmt.Errorf("gateway not connected")
	ErrConnectionClosing = fmt.Errorf("connection closing")
	ErrRPCTimeout        = fmt.Errorf("rpc timed out")
	ErrHandshake         = fmt.Errorf("gateway handshake failed")
	ErrInvalidAction     = fmt.Errorf("invalid cron action")
	ErrJobNotFound       = fmt.Errorf("cron job not found")
	ErrActionNotFound    = fmt.Errorf("cron action not found")
)

// RPCError carries an error message returned by the gateway for a single
// request. It is scoped to that request; the connection stays usable.
type RPCError struct {
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("rpc error: %s", e.Message)
	}
	return fmt.Sprintf("rpc %s: %s", e.Method, e.Message)
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
