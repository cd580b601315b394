package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/wneessen/go-mail/smtp"
)

// Delivery is one fully prepared send: a negotiated transport, the
// envelope and the rendered message.
type Delivery struct {
	Transport  *Transport
	From       string
	Recipients []string // to, cc and bcc merged in order
	Username   string
	Password   string
	Message    []byte
}

// Result holds the outcome of a send attempt. Detail is empty on success.
type Result struct {
	OK     bool
	Detail string
}

// Client defines the interface for delivering a message.
// Implementations never return an error; every failure lands in Result.
type Client interface {
	Send(ctx context.Context, d Delivery) Result
}

// SMTPClient delivers messages over a fresh SMTP session per call.
type SMTPClient struct{}

// NewSMTPClient creates an SMTP delivery client.
func NewSMTPClient() *SMTPClient {
	return &SMTPClient{}
}

var errNoTransport = errors.New("transport not negotiated")

// stageError tags an error with the session stage it happened in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func at(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

func (c *SMTPClient) Send(ctx context.Context, d Delivery) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "smtp delivery panicked", "panic", r)
			res = Result{Detail: fmt.Sprintf("delivery: unexpected failure: %v", r)}
		}
	}()

	if d.Transport == nil {
		return Result{Detail: at("connect", errNoTransport).Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, d.Transport.Timeout)
	defer cancel()

	if err := c.deliver(ctx, d); err != nil {
		// A cancelled context closes the socket underneath the session;
		// report the cause rather than the resulting read error.
		if ctxErr := ctx.Err(); ctxErr != nil {
			var se *stageError
			if errors.As(err, &se) {
				err = at(se.stage, ctxErr)
			}
		}
		slog.WarnContext(ctx, "smtp delivery failed", "host", d.Transport.Host, "port", d.Transport.Port, "error", err)
		return Result{Detail: err.Error()}
	}

	slog.InfoContext(ctx, "smtp delivery complete", "host", d.Transport.Host, "port", d.Transport.Port, "recipients", len(d.Recipients))
	return Result{OK: true}
}

func (c *SMTPClient) deliver(ctx context.Context, d Delivery) error {
	t := d.Transport

	conn, err := dial(ctx, t)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sc, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		return at("greeting", err)
	}
	defer sc.Close()

	if err := sc.Hello(t.HeloName); err != nil {
		return at("hello", err)
	}

	if !t.ImplicitTLS {
		if ok, _ := sc.Extension("STARTTLS"); !ok {
			return at("starttls", errors.New("server does not advertise STARTTLS"))
		}
		if err := sc.StartTLS(t.TLSConfig); err != nil {
			return at("starttls", err)
		}
	}

	if d.Username != "" && d.Password != "" {
		if err := authenticate(sc, t.Host, d.Username, d.Password); err != nil {
			return at("auth", err)
		}
	}

	if err := sc.Mail(d.From); err != nil {
		return at("mail from", err)
	}
	for _, rcpt := range d.Recipients {
		if err := sc.Rcpt(rcpt); err != nil {
			return at("rcpt to", fmt.Errorf("%s: %w", rcpt, err))
		}
	}

	w, err := sc.Data()
	if err != nil {
		return at("data", err)
	}
	if _, err := w.Write(d.Message); err != nil {
		return at("data", err)
	}
	if err := w.Close(); err != nil {
		return at("data", err)
	}

	// The message is accepted once DATA completes.
	_ = sc.Quit()
	return nil
}

func dial(ctx context.Context, t *Transport) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, t.ConnectTimeout)
	defer cancel()

	nd := net.Dialer{}
	conn, err := nd.DialContext(dctx, "tcp", t.Addr())
	if err != nil {
		return nil, at("connect", err)
	}
	if !t.ImplicitTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, t.TLSConfig)
	if err := tlsConn.HandshakeContext(dctx); err != nil {
		_ = conn.Close()
		return nil, at("tls handshake", err)
	}
	return tlsConn, nil
}

func authenticate(sc *smtp.Client, host, username, password string) error {
	ok, mechs := sc.Extension("AUTH")
	if !ok {
		return errors.New("server does not support AUTH")
	}

	offered := map[string]bool{}
	for _, m := range strings.Fields(strings.ToUpper(mechs)) {
		offered[m] = true
	}

	var a smtp.Auth
	switch {
	case offered["PLAIN"]:
		a = smtp.PlainAuth("", username, password, host)
	case offered["LOGIN"]:
		a = smtp.LoginAuth(username, password, host)
	default:
		return fmt.Errorf("no supported AUTH mechanism in %q", mechs)
	}
	return sc.Auth(a)
}
