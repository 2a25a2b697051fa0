package serve

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/config"
	"github.com/soheilhy/cmux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunningServers is one bound port serving plaintext (HTTP/1.1 + h2c) and/or TLS.
type RunningServers struct {
	Addr  net.Addr
	Port  int
	Close func(ctx context.Context) error
}

// portListener splits one TCP port between a TLS server and a plaintext server. Requests
// run under a context that is cancelled when a graceful shutdown runs out of time, so a
// long migration stops at its next write instead of outliving the process.
type portListener struct {
	name    string
	base    net.Listener
	mux     cmux.CMux
	servers []*http.Server
	cancel  context.CancelFunc
	once    sync.Once
}

// StartSinglePort serves handler on one port, sniffing TLS and plaintext connections apart.
func StartSinglePort(name string, cfg config.ListenerConfig, handler http.Handler) (*RunningServers, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		return nil, fmt.Errorf("%s listener requires plaintext and/or tls enabled", name)
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	// Load the certificate before binding so a bad key never leaves a half-open port.
	var tlsConfig *tls.Config
	if cfg.EnableTLS {
		cert, err := loadServerCertificate(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		}
	}

	base, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%s listen failed: %w", name, err)
	}
	requestCtx, cancel := context.WithCancel(context.Background())
	p := &portListener{name: name, base: base, mux: cmux.New(base), cancel: cancel}

	// The TLS matcher must be registered before the catch-all.
	if cfg.EnableTLS {
		lis := tls.NewListener(p.mux.Match(cmux.TLS()), tlsConfig)
		p.serve("tls", lis, p.newServer(handler, cfg, requestCtx))
	}
	if cfg.EnablePlainText {
		lis := p.mux.Match(cmux.Any())
		p.serve("plaintext", lis, p.newServer(h2c.NewHandler(handler, &http2.Server{}), cfg, requestCtx))
	}
	go func() {
		if err := p.mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) && !strings.Contains(err.Error(), "use of closed network connection") {
			log.Error("Port mux failed", "listener", name, "err", err)
		}
	}()

	running := &RunningServers{Addr: base.Addr(), Close: p.close}
	if tcpAddr, ok := base.Addr().(*net.TCPAddr); ok {
		running.Port = tcpAddr.Port
	}
	return running, nil
}

func (p *portListener) newServer(handler http.Handler, cfg config.ListenerConfig, requestCtx context.Context) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return requestCtx },
	}
}

func (p *portListener) serve(kind string, lis net.Listener, srv *http.Server) {
	p.servers = append(p.servers, srv)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "listener", p.name, "kind", kind, "err", err)
		}
	}()
}

// close drains in-flight requests until ctx expires, then cancels whatever is still running.
func (p *portListener) close(ctx context.Context) error {
	var errs []error
	p.once.Do(func() {
		for _, srv := range p.servers {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
		if ctx.Err() != nil {
			log.Warn("Shutdown deadline reached; cancelling in-flight requests", "listener", p.name)
		}
		p.cancel()
		_ = p.base.Close()
	})
	return errors.Join(errs...)
}

func loadServerCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if strings.TrimSpace(certFile) != "" && strings.TrimSpace(keyFile) != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load tls certificate: %w", err)
		}
		return cert, nil
	}
	log.Warn("No TLS certificate configured; using a self-signed one for localhost")
	return selfSignedCertificate(time.Now())
}

func selfSignedCertificate(now time.Time) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls key failed: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls serial failed: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost", Organization: []string{"threadsync"}},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls certificate failed: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse tls certificate failed: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}
