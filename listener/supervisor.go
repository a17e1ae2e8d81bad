// Package listener implements the accept loop and graceful-shutdown
// supervisor described in spec.md §4.8, grounded on the teacher's
// daemon/common.TCPServer: bind, accept in a loop, hand each connection to
// an independent goroutine, and track enough state to drain cleanly on
// shutdown.
package listener

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/duskmail/ingest/lalog"
	"github.com/duskmail/ingest/smtp"
)

// releaser is implemented by an smtp.AdmissionController that wants to know
// when a connection it admitted via CheckConnect has ended (admission.
// Controller does; a simpler AdmissionController need not).
type releaser interface {
	Release(peerAddr string)
}

// SessionFactory builds a Session from an accepted Transport. Supplied by
// the caller (cmd/ingestd) so this package never constructs collaborators
// itself.
type SessionFactory func(t *smtp.Transport) *smtp.Session

// Supervisor binds a listening socket, runs the accept loop, and drains
// in-flight sessions on shutdown (spec.md §4.8). It only ever hands out
// Plain transports: TLS is opportunistic via STARTTLS (spec.md §4.3),
// negotiated inside smtp.Session, not wrapped around the listener.
type Supervisor struct {
	Addr           string
	MaxConnections int
	DrainTimeout   time.Duration

	NewSession SessionFactory
	Admission  smtp.AdmissionController
	Logger     lalog.Logger

	listener net.Listener
	group    *errgroup.Group
	groupCtx context.Context
}

// ListenAndServe binds the listening socket and runs the accept loop until
// ctx is cancelled, then drains in-flight sessions up to DrainTimeout
// before returning.
func (sv *Supervisor) ListenAndServe(ctx context.Context) error {
	raw, err := net.Listen("tcp", sv.Addr)
	if err != nil {
		return err
	}
	limited := raw
	if sv.MaxConnections > 0 {
		limited = netutil.LimitListener(raw, sv.MaxConnections)
	}
	sv.listener = limited

	g, gctx := errgroup.WithContext(ctx)
	sv.group = g
	sv.groupCtx = gctx

	sv.Logger.Info("", nil, "listening on %s", sv.Addr)

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- sv.acceptLoop(gctx) }()

	select {
	case <-ctx.Done():
		sv.Logger.Info("", nil, "shutdown requested, closing listener")
	case err := <-acceptErr:
		if err != nil {
			sv.Logger.Warning("", err, "accept loop exited with error")
		}
	}

	_ = sv.listener.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), sv.DrainTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-drainCtx.Done():
		sv.Logger.Warning("", nil, "drain deadline exceeded, abandoning remaining sessions")
		return drainCtx.Err()
	}
}

// acceptLoop runs Accept in a loop, handing each connection to an
// independent errgroup goroutine, until the listener is closed or ctx ends.
func (sv *Supervisor) acceptLoop(ctx context.Context) error {
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				return nil
			}
			return err
		}
		sv.group.Go(func() error {
			sv.serveOne(ctx, conn)
			return nil
		})
	}
}

func (sv *Supervisor) serveOne(ctx context.Context, conn net.Conn) {
	peerAddr := conn.RemoteAddr().String()
	defer func() {
		if r, ok := sv.Admission.(releaser); ok {
			r.Release(peerAddr)
		}
	}()

	transport := smtp.NewPlainTransport(conn)
	session := sv.NewSession(transport)
	if err := session.Serve(ctx); err != nil {
		sv.Logger.Warning(peerAddr, err, "session ended with error")
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
