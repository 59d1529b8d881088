package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsConnectionError checks if an error is a common, non-fatal network
// connection error. These are logged and the connection is closed, but
// they never indicate a server problem.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	var opErr *net.OpError
	var syscallErr *os.SyscallError
	var tlsRecordHeaderError tls.RecordHeaderError

	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.As(err, &opErr) {
		// "read: connection reset by peer" is the usual abrupt client disconnect
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
		// Happens when another goroutine closed the connection during shutdown
		if strings.Contains(opErr.Err.Error(), "use of closed network connection") {
			return true
		}
	}

	if errors.As(err, &syscallErr) {
		if errors.Is(syscallErr.Err, syscall.ECONNRESET) || errors.Is(syscallErr.Err, syscall.EPIPE) {
			return true
		}
	}

	// Plaintext or garbage sent to a TLS listener
	if errors.As(err, &tlsRecordHeaderError) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}
