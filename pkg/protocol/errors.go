package protocol

import "fmt"

// ConnectionError reports a failure to establish or keep the transport:
// refused TCP, auth, handshake.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to device %s failed: %v", e.Device, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReadError reports a read call that failed as a whole, for example when the
// adapter is not connected. Partial failures never produce a ReadError.
type ReadError struct {
	Device string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read from device %s failed: %v", e.Device, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
