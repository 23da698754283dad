package notify

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/RackSec/srslog"
	"github.com/cenkalti/backoff/v4"

	"github.com/deepinstinct/dsx-connect/internal/config"
)

// Syslog emits JSON event records to a remote collector over UDP, TCP, or
// TLS. A disabled or unreachable collector never fails callers; Emit drops
// the record after logging and schedules a reconnect.
type Syslog struct {
	cfg config.SyslogConfig
	log *slog.Logger

	mu     sync.Mutex
	writer *srslog.Writer
}

// NewSyslog builds the sink. The first connection happens lazily on Emit so
// a down collector does not block startup.
func NewSyslog(cfg config.SyslogConfig, log *slog.Logger) *Syslog {
	if log == nil {
		log = slog.Default()
	}
	return &Syslog{cfg: cfg, log: log}
}

// Enabled reports whether the sink is configured to deliver anywhere.
func (s *Syslog) Enabled() bool { return s.cfg.Enabled }

// Emit serializes ev and writes it as one syslog info record. Never returns
// an error; failures are logged and the connection recycled.
func (s *Syslog) Emit(ev any) {
	if !s.cfg.Enabled {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("syslog event not serializable", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		if err := s.connectLocked(); err != nil {
			s.log.Warn("syslog connect failed, dropping event", slog.Any("error", err))
			return
		}
	}
	if err := s.writer.Info(string(b)); err != nil {
		s.log.Warn("syslog write failed, reconnecting", slog.Any("error", err))
		s.writer.Close()
		s.writer = nil
		if err := s.connectLocked(); err != nil {
			s.log.Warn("syslog reconnect failed, dropping event", slog.Any("error", err))
			return
		}
		if err := s.writer.Info(string(b)); err != nil {
			s.log.Warn("syslog write failed after reconnect, dropping event", slog.Any("error", err))
		}
	}
}

// Close releases the collector connection.
func (s *Syslog) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}
}

func (s *Syslog) connectLocked() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server, s.cfg.Port)
	dial := func() (*srslog.Writer, error) {
		switch s.cfg.Transport {
		case "tls":
			tc, err := s.tlsConfig()
			if err != nil {
				return nil, err
			}
			return srslog.DialWithTLSConfig("tcp+tls", addr, srslog.LOG_INFO|srslog.LOG_USER, "dsx-connect", tc)
		case "tcp":
			return srslog.Dial("tcp", addr, srslog.LOG_INFO|srslog.LOG_USER, "dsx-connect")
		default:
			return srslog.Dial("udp", addr, srslog.LOG_INFO|srslog.LOG_USER, "dsx-connect")
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second
	w, err := backoff.RetryWithData(func() (*srslog.Writer, error) { return dial() }, bo)
	if err != nil {
		return fmt.Errorf("op=syslog.connect: %w", err)
	}
	s.writer = w
	return nil
}

func (s *Syslog) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: s.cfg.TLSInsecure}
	if s.cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(s.cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", s.cfg.TLSCAFile)
		}
		tc.RootCAs = pool
	}
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}
