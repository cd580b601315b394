package email

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTimeout        = 60 * time.Second
)

var (
	ErrMissingHost = errors.New("email: smtp host is required")
	ErrInvalidPort = errors.New("email: smtp port out of range")
)

// Settings is the process-level SMTP configuration handed to Negotiate.
type Settings struct {
	ConnectTimeout time.Duration
	Timeout        time.Duration
	HeloName       string
	CABundle       string
}

// TransportOptions describes the transport a caller asked for.
type TransportOptions struct {
	Host        string
	Port        int
	ImplicitTLS bool
	VerifyCert  bool
	Settings    Settings
}

// Transport is the negotiated connection plan for one delivery.
type Transport struct {
	Host           string
	Port           int
	ImplicitTLS    bool
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	Timeout        time.Duration
	HeloName       string
}

// Addr returns host:port.
func (t *Transport) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Negotiate turns the requested options into a Transport. Implicit TLS
// wraps the socket from the first byte; otherwise STARTTLS is mandatory
// before authentication. The TLS config is built per call.
func Negotiate(opts TransportOptions) (*Transport, error) {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		return nil, ErrMissingHost
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, opts.Port)
	}

	tlsCfg, err := tlsConfig(host, opts.VerifyCert, opts.Settings.CABundle)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		Host:           host,
		Port:           opts.Port,
		ImplicitTLS:    opts.ImplicitTLS,
		TLSConfig:      tlsCfg,
		ConnectTimeout: opts.Settings.ConnectTimeout,
		Timeout:        opts.Settings.Timeout,
		HeloName:       opts.Settings.HeloName,
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = DefaultConnectTimeout
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	if t.HeloName == "" {
		t.HeloName = "localhost"
	}
	return t, nil
}

func tlsConfig(host string, verify bool, caBundle string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
	if !verify {
		// Hostname and chain checks are both skipped; SNI is still sent.
		cfg.InsecureSkipVerify = true //nolint:gosec
		return cfg, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if caBundle != "" {
		pem, err := os.ReadFile(caBundle)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no certificates", caBundle)
		}
	}
	cfg.RootCAs = pool
	return cfg, nil
}
