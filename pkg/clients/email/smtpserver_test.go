package email_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// testCert is a self-signed certificate for localhost and 127.0.0.1.
type testCert struct {
	cert tls.Certificate
	pem  []byte
}

func newTestCert(t *testing.T) testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serial: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("failed to load key pair: %v", err)
	}
	return testCert{cert: pair, pem: certPEM}
}

// writeBundle stores the certificate as a CA bundle file and returns its path.
func (c testCert) writeBundle(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, c.pem, 0o600); err != nil {
		t.Fatalf("failed to write bundle: %v", err)
	}
	return path
}

// fakeSMTP is a minimal in-process SMTP server covering the commands the
// delivery client issues.
type fakeSMTP struct {
	ln       net.Listener
	tlsCfg   *tls.Config
	implicit bool
	starttls bool
	mechs    string
	user     string
	pass     string
	reject   map[string]bool

	mu       sync.Mutex
	authed   bool
	authMech string
	usedTLS  bool
	mailFrom string
	rcpts    []string
	data     string
}

type serverOption func(*fakeSMTP)

func withImplicitTLS() serverOption { return func(s *fakeSMTP) { s.implicit = true } }

func withoutStartTLS() serverOption { return func(s *fakeSMTP) { s.starttls = false } }

func withMechanisms(m string) serverOption { return func(s *fakeSMTP) { s.mechs = m } }

func withRejectedRecipient(addr string) serverOption {
	return func(s *fakeSMTP) { s.reject[addr] = true }
}

func startFakeSMTP(t *testing.T, cert testCert, opts ...serverOption) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &fakeSMTP{
		ln:       ln,
		tlsCfg:   &tls.Config{Certificates: []tls.Certificate{cert.cert}, MinVersion: tls.VersionTLS12},
		starttls: true,
		mechs:    "PLAIN LOGIN",
		user:     "relay",
		pass:     "secret",
		reject:   map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *fakeSMTP) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTP) snapshot() (authed, usedTLS bool, from string, rcpts []string, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed, s.usedTLS, s.mailFrom, append([]string(nil), s.rcpts...), s.data
}

func (s *fakeSMTP) usedMechanism() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authMech
}

func (s *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	secure := false
	if s.implicit {
		conn = tls.Server(conn, s.tlsCfg)
		secure = true
	}
	tp := textproto.NewConn(conn)

	if err := tp.PrintfLine("220 fake.test ESMTP"); err != nil {
		return
	}
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")

		switch strings.ToUpper(verb) {
		case "EHLO", "HELO":
			lines := []string{"fake.test"}
			if s.starttls && !secure {
				lines = append(lines, "STARTTLS")
			}
			if s.mechs != "" {
				lines = append(lines, "AUTH "+s.mechs)
			}
			for i, l := range lines {
				sep := "-"
				if i == len(lines)-1 {
					sep = " "
				}
				_ = tp.PrintfLine("250%s%s", sep, l)
			}
		case "STARTTLS":
			_ = tp.PrintfLine("220 ready to start TLS")
			tlsConn := tls.Server(conn, s.tlsCfg)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			tp = textproto.NewConn(conn)
			secure = true
		case "AUTH":
			mech, _, _ := strings.Cut(arg, " ")
			if !s.offers(mech) {
				_ = tp.PrintfLine("504 5.5.4 Unrecognized authentication type")
				continue
			}
			s.mu.Lock()
			s.authMech = strings.ToUpper(mech)
			s.mu.Unlock()
			if s.auth(tp, arg) {
				s.mu.Lock()
				s.authed = true
				s.mu.Unlock()
				_ = tp.PrintfLine("235 2.7.0 Authentication successful")
			} else {
				_ = tp.PrintfLine("535 5.7.8 Authentication credentials invalid")
			}
		case "MAIL":
			s.mu.Lock()
			s.mailFrom = angle(arg)
			s.usedTLS = secure
			s.mu.Unlock()
			_ = tp.PrintfLine("250 2.1.0 OK")
		case "RCPT":
			rcpt := angle(arg)
			if s.reject[rcpt] {
				_ = tp.PrintfLine("550 5.1.1 no such user")
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, rcpt)
			s.mu.Unlock()
			_ = tp.PrintfLine("250 2.1.5 OK")
		case "DATA":
			_ = tp.PrintfLine("354 end data with <CR><LF>.<CR><LF>")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = strings.Join(lines, "\r\n")
			s.mu.Unlock()
			_ = tp.PrintfLine("250 2.0.0 queued")
		case "RSET", "NOOP":
			_ = tp.PrintfLine("250 OK")
		case "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 command not implemented")
		}
	}
}

func (s *fakeSMTP) offers(mech string) bool {
	for _, m := range strings.Fields(s.mechs) {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

func (s *fakeSMTP) auth(tp *textproto.Conn, arg string) bool {
	mech, initial, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(mech) {
	case "PLAIN":
		if initial == "" {
			_ = tp.PrintfLine("334 ")
			line, err := tp.ReadLine()
			if err != nil {
				return false
			}
			initial = line
		}
		raw, err := base64.StdEncoding.DecodeString(initial)
		if err != nil {
			return false
		}
		parts := strings.Split(string(raw), "\x00")
		return len(parts) == 3 && parts[1] == s.user && parts[2] == s.pass
	case "LOGIN":
		user := readLoginField(tp, "Username:")
		pass := readLoginField(tp, "Password:")
		return user == s.user && pass == s.pass
	}
	return false
}

func readLoginField(tp *textproto.Conn, prompt string) string {
	_ = tp.PrintfLine("334 %s", base64.StdEncoding.EncodeToString([]byte(prompt)))
	line, err := tp.ReadLine()
	if err != nil {
		return ""
	}
	v, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return ""
	}
	return string(v)
}

func angle(arg string) string {
	if i := strings.IndexByte(arg, '<'); i >= 0 {
		if j := strings.IndexByte(arg[i:], '>'); j > 0 {
			return arg[i+1 : i+j]
		}
	}
	return strings.TrimSpace(arg)
}
