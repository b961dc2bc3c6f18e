package netscan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Loopback is the only address the worker is bound to and dialed on.
var Loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

const dialTimeout = 500 * time.Millisecond

// AllocationError reports that the OS refused an ephemeral bind.
type AllocationError struct {
	Err error
}

func (e *AllocationError) Error() string {
	return "allocating free port: " + e.Err.Error()
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// FreePort asks the OS for an unused TCP port on the loopback interface and
// releases it immediately. Another process may claim the port before the
// caller binds it.
func FreePort(ctx context.Context) (uint16, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", netip.AddrPortFrom(Loopback, 0).String())
	if err != nil {
		return 0, &AllocationError{Err: err}
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	closeErr := ln.Close()
	if !ok {
		return 0, &AllocationError{Err: fmt.Errorf("unexpected listener address %T", ln.Addr())}
	}
	if closeErr != nil {
		return 0, &AllocationError{Err: closeErr}
	}
	if addr.Port <= 0 || addr.Port > 65535 {
		return 0, &AllocationError{Err: fmt.Errorf("invalid port %d", addr.Port)}
	}
	return uint16(addr.Port), nil
}

var errNotListening = errors.New("not listening")

// Listening reports whether anything accepts TCP connections on the loopback port.
func Listening(ctx context.Context, port uint16) bool {
	return opened(ctx, netip.AddrPortFrom(Loopback, port)) == nil
}

func opened(ctx context.Context, adr netip.AddrPort) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", adr.String())
	if err != nil {
		return errNotListening
	}
	return conn.Close()
}
