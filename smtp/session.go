package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duskmail/ingest/lalog"
)

// State is one of the per-connection SMTP conversation states from
// spec.md §3/§4.6.
type State int

const (
	StateInitial State = iota
	StateGreeted
	StateMailFrom
	StateRcptTo
	StateDataInProgress
	StateBdatInProgress
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateGreeted:
		return "Greeted"
	case StateMailFrom:
		return "MailFrom"
	case StateRcptTo:
		return "RcptTo"
	case StateDataInProgress:
		return "DataInProgress"
	case StateBdatInProgress:
		return "BdatInProgress"
	case StateAuthenticated:
		return "Authenticated"
	default:
		return "Unknown"
	}
}

// maxAuthFailures bounds how many failed AUTH attempts a connection may make
// before it is dropped, generalising the teacher's consecutive-unrecognised-
// command counter idiom to authentication (see SPEC_FULL.md §4.9).
const maxAuthFailures = 3

// bdatBuffer accumulates BDAT chunk payloads for one transaction.
type bdatBuffer struct {
	data     []byte
	received bool
}

// Session drives one SMTP connection's state machine. It is owned
// exclusively by the goroutine handling that connection.
type Session struct {
	Config     *AdmissionConfig
	Transport  *Transport
	Admission  AdmissionController
	Queue      QueueSink
	Webhook    WebhookNotifier
	Verifier   CredentialVerifier
	TLSMaterial TLSMaterialProvider
	Clock      Clock
	Stats      *Stats
	Logger     lalog.Logger

	peerAddr       string
	state          State
	clientHostname string
	authenticated  bool
	username       string
	authFailures   int
	usingEHLO      bool

	envelope   Envelope
	bdat       *bdatBuffer
	startTime  time.Time
	lastActive time.Time
}

// NewSession constructs a Session ready to Serve one accepted connection.
func NewSession(t *Transport, cfg *AdmissionConfig, admission AdmissionController) *Session {
	clock := SystemClock
	now := clock.Now()
	return &Session{
		Config:     cfg,
		Transport:  t,
		Admission:  admission,
		Clock:      clock,
		peerAddr:   t.RemoteAddr().String(),
		state:      StateInitial,
		startTime:  now,
		lastActive: now,
		Logger:     lalog.Logger{ComponentName: "smtp.session"},
	}
}

func (s *Session) reply(rw *ResponseWriter, code int, text string) error {
	return rw.WriteLine(code, text)
}

func (s *Session) replyf(rw *ResponseWriter, code int, format string, a ...interface{}) error {
	return rw.WriteLine(code, fmt.Sprintf(format, a...))
}

// Serve runs the SMTP conversation to completion: greeting, command
// dispatch loop, and final cleanup. ctx is checked between commands so a
// shutdown signal can end the session promptly; a session already blocked
// in a transport read is bounded by the configured timeouts instead.
func (s *Session) Serve(ctx context.Context) error {
	rw := NewResponseWriter(s.Transport)
	defer s.Transport.Close()

	if v := s.Admission.CheckConnect(s.peerAddr); !v.Accept {
		_ = s.replyf(rw, v.Code, "%s", v.Message)
		return nil
	}
	if s.Stats != nil {
		s.Stats.ConnectionsAccepted.Inc()
	}
	if err := s.replyf(rw, 220, "%s ESMTP ready", s.Config.Hostname); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.replyf(rw, 421, "%s shutting down", s.Config.Hostname)
			return nil
		default:
		}

		deadline := s.commandDeadline()
		line, err := s.Transport.ReadLine(MaxCommandLineLength, deadline)
		if err != nil {
			return s.handleReadError(rw, err)
		}
		s.lastActive = s.Clock.Now()

		cmd, perr := ParseLine(line)
		if perr != nil {
			if perr.Kind == ParseErrTooLong {
				_ = s.replyf(rw, 500, "line too long")
			} else {
				_ = s.replyf(rw, 501, "%s", perr.Msg)
			}
			continue
		}

		done, err := s.dispatch(ctx, rw, cmd)
		if err == errSessionTerminated {
			return nil
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Session) commandDeadline() time.Time {
	if s.state == StateInitial {
		return s.Clock.Now().Add(s.Config.Timeouts.Idle)
	}
	return s.Clock.Now().Add(s.Config.Timeouts.Command)
}

func (s *Session) handleReadError(rw *ResponseWriter, err error) error {
	if err == ErrTimeout {
		if s.Stats != nil {
			s.Stats.Timeouts.Inc()
		}
		_ = s.replyf(rw, 451, "timeout")
		return nil
	}
	if err == ErrLineTooLong {
		_ = s.replyf(rw, 500, "line too long")
		return nil
	}
	// EOF or other I/O error: the peer is gone, nothing to reply to.
	return nil
}

// dispatch handles one parsed command and returns done=true when the
// session should end (QUIT, or an unrecoverable error already replied to).
func (s *Session) dispatch(ctx context.Context, rw *ResponseWriter, cmd Command) (done bool, err error) {
	switch cmd.Verb {
	case VerbHELO:
		return false, s.handleHelo(rw, cmd, false)
	case VerbEHLO:
		return false, s.handleHelo(rw, cmd, true)
	case VerbMAIL:
		return false, s.handleMail(rw, cmd)
	case VerbRCPT:
		return false, s.handleRcpt(rw, cmd)
	case VerbDATA:
		return false, s.handleData(ctx, rw)
	case VerbBDAT:
		return false, s.handleBdat(ctx, rw, cmd)
	case VerbRSET:
		s.resetTransaction()
		return false, s.reply(rw, 250, "OK")
	case VerbNOOP:
		return false, s.reply(rw, 250, "OK")
	case VerbQUIT:
		_ = s.replyf(rw, 221, "%s closing connection", s.Config.Hostname)
		return true, nil
	case VerbVRFY, VerbEXPN:
		// Never confirm or deny address existence, to avoid enumeration.
		return false, s.reply(rw, 252, "cannot VRFY user, but will accept message and attempt delivery")
	case VerbHELP:
		return false, s.reply(rw, 214, "see RFC 5321")
	case VerbSTARTTLS:
		return false, s.handleStartTLS(rw)
	case VerbAUTH:
		return s.handleAuth(ctx, rw, cmd)
	default:
		return false, s.reply(rw, 500, "unrecognised command")
	}
}

func (s *Session) handleHelo(rw *ResponseWriter, cmd Command, extended bool) error {
	if cmd.Arg == "" {
		return s.replyf(rw, 501, "%s requires a hostname argument", map[bool]string{true: "EHLO", false: "HELO"}[extended])
	}
	s.clientHostname = cmd.Arg
	s.usingEHLO = extended
	if s.state == StateInitial || s.state == StateGreeted {
		s.state = StateGreeted
	}
	if !extended {
		return s.replyf(rw, 250, "%s", s.Config.Hostname)
	}
	lines := []string{s.Config.Hostname}
	lines = append(lines, fmt.Sprintf("SIZE %d", s.Config.MaxMessageSize))
	lines = append(lines, "8BITMIME", "PIPELINING", "SMTPUTF8", "CHUNKING")
	if s.Config.EnableTLS && s.Transport.Kind() != TransportTLS {
		lines = append(lines, "STARTTLS")
	}
	if s.Config.EnableAuth {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "HELP")
	return rw.Write(NewMultiReply(250, lines...))
}

func (s *Session) handleMail(rw *ResponseWriter, cmd Command) error {
	if s.state != StateGreeted && s.state != StateAuthenticated {
		return s.reply(rw, 503, "bad sequence of commands")
	}
	if cmd.Address == "" {
		return s.reply(rw, 501, "malformed MAIL FROM address")
	}
	if len(cmd.UnknownParams) > 0 && s.Config.StrictESMTPParams {
		return s.replyf(rw, 501, "unsupported parameter %s", cmd.UnknownParams[0])
	}
	if cmd.HasSize && cmd.Size > s.Config.MaxMessageSize {
		return s.replyf(rw, 552, "message size %d exceeds maximum of %d", cmd.Size, s.Config.MaxMessageSize)
	}
	s.envelope = Envelope{
		Sender:          cmd.Address,
		DeclaredSize:    cmd.Size,
		HasDeclaredSize: cmd.HasSize,
		Ret:             cmd.Ret,
		Envid:           cmd.Envid,
	}
	if cmd.Body != "" {
		s.envelope.Body = BodyEncoding(cmd.Body)
	} else {
		s.envelope.Body = Body7Bit
	}
	s.state = StateMailFrom
	return s.reply(rw, 250, "OK")
}

func (s *Session) handleRcpt(rw *ResponseWriter, cmd Command) error {
	if s.state != StateMailFrom && s.state != StateRcptTo {
		return s.reply(rw, 503, "bad sequence of commands")
	}
	if cmd.Address == "" {
		return s.reply(rw, 501, "malformed RCPT TO address")
	}
	if len(cmd.UnknownParams) > 0 && s.Config.StrictESMTPParams {
		return s.replyf(rw, 501, "unsupported parameter %s", cmd.UnknownParams[0])
	}
	if len(s.envelope.Recipients) >= s.Config.MaxRecipients {
		return s.replyf(rw, 452, "too many recipients")
	}
	if v := s.Admission.CheckGreylist(s.peerAddr, s.envelope.Sender, cmd.Address); !v.Accept {
		if s.Stats != nil {
			s.Stats.GreylistDefers.Inc()
		}
		return s.replyf(rw, v.Code, "%s", v.Message)
	}
	s.envelope.Recipients = append(s.envelope.Recipients, Recipient{
		Address: cmd.Address,
		Notify:  cmd.Notify,
		Orcpt:   cmd.Orcpt,
	})
	s.state = StateRcptTo
	return s.reply(rw, 250, "OK")
}

func (s *Session) resetTransaction() {
	s.envelope.Reset()
	s.bdat = nil
	if s.authenticated {
		s.state = StateAuthenticated
	} else if s.state != StateInitial {
		s.state = StateGreeted
	}
}

// rateLimitKey picks the per-user key when authenticated, else per-IP,
// matching spec.md §4.4's "separate counters, same structure" rule.
func (s *Session) rateLimitKey() string {
	if s.authenticated && s.username != "" {
		return "user:" + s.username
	}
	return "ip:" + s.peerAddr
}

func (s *Session) handleData(ctx context.Context, rw *ResponseWriter) error {
	if s.state != StateRcptTo {
		if s.bdat != nil {
			return s.reply(rw, 503, "DATA not allowed after BDAT in this transaction")
		}
		return s.reply(rw, 503, "bad sequence of commands")
	}
	if v := s.Admission.CheckRate(s.rateLimitKey()); !v.Accept {
		if s.Stats != nil {
			s.Stats.RateLimitRejections.Inc()
		}
		return s.replyf(rw, v.Code, "%s", v.Message)
	}
	if err := s.reply(rw, 354, "start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}
	s.state = StateDataInProgress
	body, ingestErr := s.ingestDataBody()
	if ingestErr != nil {
		return s.handleIngestError(rw, ingestErr)
	}
	return s.commit(ctx, rw, body)
}

// ingestDataBody streams the DATA-phase body with dot-unstuffing and a
// running size cap, bounded by the data timeout measured from the 354 reply.
func (s *Session) ingestDataBody() ([]byte, error) {
	deadline := s.Clock.Now().Add(s.Config.Timeouts.Data)
	var body []byte
	for {
		line, err := s.Transport.ReadLine(int(s.Config.MaxMessageSize)+2, deadline)
		if err != nil {
			if err == ErrTimeout {
				return nil, newError(KindTimeout, 451, "timeout", err)
			}
			return nil, newError(KindIO, 451, "connection lost during DATA", err)
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		body = append(body, line...)
		body = append(body, '\r', '\n')
		if int64(len(body)) > s.Config.MaxMessageSize {
			return nil, newError(KindPolicy, 552, "message exceeds maximum size", nil)
		}
	}
	return body, nil
}

func (s *Session) handleBdat(ctx context.Context, rw *ResponseWriter, cmd Command) error {
	if s.state != StateRcptTo && s.state != StateBdatInProgress {
		if s.state == StateDataInProgress {
			return s.reply(rw, 503, "BDAT not allowed after DATA in this transaction")
		}
		return s.reply(rw, 503, "bad sequence of commands")
	}
	if v := s.Admission.CheckRate(s.rateLimitKey()); !v.Accept {
		if s.Stats != nil {
			s.Stats.RateLimitRejections.Inc()
		}
		return s.replyf(rw, v.Code, "%s", v.Message)
	}
	if s.bdat == nil {
		s.bdat = &bdatBuffer{}
	}
	s.state = StateBdatInProgress

	deadline := s.Clock.Now().Add(s.Config.Timeouts.Data)
	chunk, err := s.Transport.ReadExact(cmd.ChunkSize, deadline)
	if err != nil {
		if err == ErrTimeout {
			return s.errTerminate(rw, newError(KindTimeout, 451, "timeout", err))
		}
		return s.errTerminate(rw, newError(KindIO, 451, "connection lost during BDAT", err))
	}
	s.bdat.data = append(s.bdat.data, chunk...)
	s.bdat.received = true
	if int64(len(s.bdat.data)) > s.Config.MaxMessageSize {
		s.bdat = nil
		s.state = StateRcptTo
		return s.reply(rw, 552, "message exceeds maximum size")
	}
	if !cmd.Last {
		return s.reply(rw, 250, "OK")
	}
	body := s.bdat.data
	s.bdat = nil
	return s.commit(ctx, rw, body)
}

// errTerminate replies (best effort) and signals Serve to end the session.
func (s *Session) errTerminate(rw *ResponseWriter, e *Error) error {
	_ = s.replyf(rw, e.Code, "%s", e.Msg)
	if s.Stats != nil && e.Kind == KindTimeout {
		s.Stats.Timeouts.Inc()
	}
	return errSessionTerminated
}

var errSessionTerminated = fmt.Errorf("smtp: session terminated")

func (s *Session) handleIngestError(rw *ResponseWriter, err error) error {
	if se, ok := err.(*Error); ok {
		_ = s.replyf(rw, se.Code, "%s", se.Msg)
		if se.Kind == KindPolicy {
			s.state = StateRcptTo
			return nil
		}
		if s.Stats != nil && se.Kind == KindTimeout {
			s.Stats.Timeouts.Inc()
		}
		return errSessionTerminated
	}
	return err
}

// commit finalises a transaction: enqueue to the queue sink, fire the
// webhook (best effort), reply 250 with the queue ID, then implicitly RSET.
func (s *Session) commit(ctx context.Context, rw *ResponseWriter, body []byte) error {
	if s.envelope.Sender == "" || len(s.envelope.Recipients) == 0 {
		s.resetTransaction()
		return s.reply(rw, 503, "no transaction in progress")
	}
	s.envelope.QueueID = uuid.NewString()
	s.envelope.ReceivedAt = s.Clock.Now()

	queueID, err := s.Queue.Enqueue(ctx, &s.envelope, body)
	if err != nil {
		if se, ok := err.(*Error); ok && se.Kind == KindTransient {
			_ = s.replyf(rw, 451, "try again later")
		} else {
			_ = s.replyf(rw, 554, "transaction failed")
		}
		s.resetTransaction()
		return nil
	}
	if queueID == "" {
		queueID = s.envelope.QueueID
	}
	if s.Webhook != nil {
		s.Webhook.Notify(ctx, s.envelope.Summary(s.peerAddr, s.authenticated, s.username))
	}
	if s.Stats != nil {
		s.Stats.MessagesReceived.Inc()
		s.Stats.BytesIngested.Add(float64(len(body)))
	}
	err = s.replyf(rw, 250, "OK: %s", queueID)
	s.resetTransaction()
	return err
}

func (s *Session) handleStartTLS(rw *ResponseWriter) error {
	if !s.Config.EnableTLS {
		return s.reply(rw, 502, "command not implemented")
	}
	if s.Transport.Kind() == TransportTLS {
		return s.reply(rw, 503, "already using TLS")
	}
	if s.TLSMaterial == nil {
		return s.reply(rw, 454, "TLS not available")
	}
	material, err := s.TLSMaterial.Load(context.Background())
	if err != nil || material == nil || len(material.Certificates) == 0 {
		s.Logger.MaybeMinorError(err)
		return s.reply(rw, 454, "TLS not available")
	}
	if err := s.reply(rw, 220, "ready to start TLS"); err != nil {
		return err
	}
	deadline := s.Clock.Now().Add(s.Config.Timeouts.Command)
	tlsCfg := &tls.Config{Certificates: material.Certificates}
	if err := s.Transport.UpgradeTLS(tlsCfg, deadline); err != nil {
		s.Logger.Warning(s.peerAddr, err, "TLS handshake failed")
		return errSessionTerminated
	}
	// The STARTTLS upgrade discards all client-advertised state: the
	// session returns to Initial and a fresh EHLO is mandatory.
	s.state = StateInitial
	s.clientHostname = ""
	s.authenticated = false
	s.username = ""
	s.envelope.Reset()
	s.bdat = nil
	return nil
}

func (s *Session) handleAuth(ctx context.Context, rw *ResponseWriter, cmd Command) (bool, error) {
	if !s.Config.EnableAuth || s.Verifier == nil {
		return false, s.reply(rw, 502, "command not implemented")
	}
	if s.authenticated {
		return false, s.reply(rw, 503, "already authenticated")
	}
	if s.Config.EnableTLS && s.Transport.Kind() != TransportTLS {
		return false, s.reply(rw, 538, "encryption required for requested authentication mechanism")
	}
	switch cmd.AuthMechanism {
	case "LOGIN":
		return false, s.reply(rw, 504, "unrecognised authentication mechanism")
	case "PLAIN":
		return s.handleAuthPlain(ctx, rw, cmd)
	default:
		return false, s.reply(rw, 504, "unrecognised authentication mechanism")
	}
}

func (s *Session) handleAuthPlain(ctx context.Context, rw *ResponseWriter, cmd Command) (bool, error) {
	if !cmd.HasInitialResponse {
		// PLAIN is only dispatched combined with an initial response in
		// this core; a bare "AUTH PLAIN" is not implemented.
		return false, s.reply(rw, 504, "unrecognised authentication mechanism")
	}
	decoded, err := base64.StdEncoding.DecodeString(cmd.AuthInitialResponse)
	if err != nil {
		return false, s.reply(rw, 501, "malformed initial response")
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return false, s.reply(rw, 501, "malformed initial response")
	}
	authcid, password := parts[1], parts[2]
	valid, verr := s.Verifier.Verify(ctx, authcid, password)
	if verr != nil {
		return false, s.reply(rw, 454, "temporary authentication failure")
	}
	if !valid {
		s.authFailures++
		if s.Stats != nil {
			s.Stats.AuthFailure.Inc()
		}
		if s.authFailures >= maxAuthFailures {
			_ = s.reply(rw, 435, "too many authentication failures")
			return true, nil
		}
		return false, s.reply(rw, 535, "authentication failed")
	}
	s.authenticated = true
	s.username = authcid
	s.state = StateAuthenticated
	if s.Stats != nil {
		s.Stats.AuthSuccess.Inc()
	}
	return false, s.reply(rw, 235, "authentication successful")
}
