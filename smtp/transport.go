package smtp

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// TransportKind distinguishes the two Connection Transport variants.
type TransportKind int

const (
	TransportPlain TransportKind = iota
	TransportTLS
)

// Sentinel read errors returned by Transport.ReadLine / ReadExact. They are
// distinguished values, never exceptional control flow: callers switch on
// them to pick the right SMTP reply.
var (
	ErrLineTooLong = errors.New("smtp: line exceeds maximum length")
	ErrTimeout     = errors.New("smtp: read or write deadline exceeded")
)

/*
Transport abstracts the byte stream underlying one SMTP connection. It has
two variants, Plain and TLS. In the TLS variant, the Transport is the sole
owner of both the TLS session (conn) and the buffered reader/writer built on
top of it: the bufio.Reader and bufio.Writer hold the only long-lived
pointers into memory derived from the TLS session, and their lifetime is
exactly the Transport's lifetime. Close() tears the TLS session down before
releasing the buffers (by nilling the fields, letting the garbage collector
reclaim them), matching the drop order the design calls for: quiesce TLS,
free library handles, free buffers. A plain upgrade that fails leaves the
Transport in an unspecified state; the caller must terminate the session.
*/
type Transport struct {
	kind TransportKind
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewPlainTransport wraps a raw TCP (or any net.Conn) connection.
func NewPlainTransport(conn net.Conn) *Transport {
	return &Transport{
		kind: TransportPlain,
		conn: conn,
		r:    bufio.NewReaderSize(conn, 4096),
		w:    bufio.NewWriterSize(conn, 4096),
	}
}

// Kind reports which variant this transport currently is.
func (t *Transport) Kind() TransportKind { return t.kind }

// ConnectionState returns the TLS connection state, or the zero value if
// the transport is not (yet) a TLS variant.
func (t *Transport) ConnectionState() tls.ConnectionState {
	if tc, ok := t.conn.(*tls.Conn); ok {
		return tc.ConnectionState()
	}
	return tls.ConnectionState{}
}

// RemoteAddr returns the peer address of the underlying connection.
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// ReadLine reads one CRLF-terminated line (bare LF is also accepted as a
// line terminator; a mid-line NUL is treated as ordinary data, never as a
// terminator). The CRLF/LF is stripped from the returned string.
func (t *Transport) ReadLine(maxLen int, deadline time.Time) (string, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	var line []byte
	for {
		chunk, isPrefix, err := t.r.ReadLine()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return "", ErrTimeout
			}
			return "", err
		}
		line = append(line, chunk...)
		if len(line) > maxLen {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			break
		}
	}
	return string(line), nil
}

// ReadExact reads exactly n bytes, binary-safe, used for BDAT chunks.
func (t *Transport) ReadExact(n int64, deadline time.Time) ([]byte, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, err
		}
		return nil, err
	}
	return buf, nil
}

// WriteAll writes bytes to the connection, flushing immediately.
func (t *Transport) WriteAll(b []byte) error {
	if _, err := t.w.Write(b); err != nil {
		return err
	}
	return t.w.Flush()
}

// WriteBuffers coalesces multiple byte slices into one logical write. It
// flushes the bufio.Writer first (to preserve ordering with any prior
// WriteAll calls) then hands the slices to net.Buffers, which performs a
// single writev syscall when the underlying connection supports it and
// falls back to sequential Write calls otherwise — either way the byte
// sequence on the wire is identical.
func (t *Transport) WriteBuffers(bufs net.Buffers) error {
	if err := t.w.Flush(); err != nil {
		return err
	}
	_, err := bufs.WriteTo(t.conn)
	return err
}

// UpgradeTLS performs a server-side TLS handshake using the supplied
// configuration. It may only be called on a Plain transport; after a
// successful handshake the transport becomes the TLS variant, with a fresh
// buffered reader/writer over the TLS session replacing the plain ones. On
// failure the transport is left unusable and the session must terminate.
func (t *Transport) UpgradeTLS(cfg *tls.Config, deadline time.Time) error {
	if t.kind != TransportPlain {
		return errors.New("smtp: UpgradeTLS called on a non-plain transport")
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return err
	}
	tlsConn := tls.Server(t.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	if err := t.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}
	t.conn = tlsConn
	t.r = bufio.NewReaderSize(tlsConn, 4096)
	t.w = bufio.NewWriterSize(tlsConn, 4096)
	t.kind = TransportTLS
	return nil
}

// Close tears down the transport: flush pending output, close the
// connection (which, for a TLS session, sends close_notify), then drop the
// buffer references.
func (t *Transport) Close() error {
	_ = t.w.Flush()
	err := t.conn.Close()
	t.r = nil
	t.w = nil
	return err
}
