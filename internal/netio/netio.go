// Package netio is the raw socket I/O collaborator: a thin TCP dial/listen
// wrapper that the peer wire protocol and download manager build on.
package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/kvnl/torrentcore/internal/config"
)

// Dialer opens outbound TCP connections to peers, honoring the configured
// dial timeout.
type Dialer struct{}

// NewDialer returns a Dialer using the process-wide configured dial timeout.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial opens a TCP connection to addr, respecting both ctx and the
// configured dial timeout (whichever fires first).
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: config.Load().DialTimeout}

	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Listener accepts inbound peer connections on a fixed TCP port, handing
// each accepted net.Conn to a caller-supplied handler on its own goroutine.
type Listener struct {
	ln  net.Listener
	log *slog.Logger
}

// Listen binds a TCP listener on port (0 means "any available port"). The
// bound address is available via Listener.Addr after a successful call.
func Listen(port uint16, log *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("netio: listen on port %d: %w", port, err)
	}

	return &Listener{ln: ln, log: log.With("component", "netio", "addr", ln.Addr().String())}, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, invoking handle for each accepted connection on its own
// goroutine. Serve returns nil on a clean shutdown (ctx cancellation or
// Close), and a non-nil error if accepting fails for any other reason.
func (l *Listener) Serve(ctx context.Context, handle func(net.Conn)) error {
	l.log.Info("listening for inbound peer connections")

	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("netio: accept: %w", err)
		}

		go handle(conn)
	}
}
