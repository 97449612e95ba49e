// Package clamd talks to a ClamAV daemon over TCP. A Scanner tracks whether
// the daemon is reachable, probes it before every scan and streams file
// bytes through pooled IDSESSION connections.
package clamd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// ErrUnavailable is returned when clamd cannot be reached.
var ErrUnavailable = errors.New("clamd unavailable")

// ScanError reports a scan that reached clamd but produced no verdict: a
// reply that is neither clean nor infected, or an I/O failure mid-stream.
type ScanError struct {
	Reply string
	Err   error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return "clamd scan error: " + e.Reply + ": " + e.Err.Error()
	}
	return "clamd scan error: " + e.Reply
}

func (e *ScanError) Unwrap() error { return e.Err }

// Verdict is the result of a completed scan.
type Verdict struct {
	Infected  bool
	Signature string
}

// State is the scanner's view of the daemon.
type State int32

const (
	Connecting State = iota
	Ready
	Unavailable
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Scanner.
type Options struct {
	Addr          string
	PoolSize      int
	ProbeTimeout  time.Duration
	ReadyInterval time.Duration
	ChunkSize     int
	// OnStateChange, when set, observes every transition.
	OnStateChange func(State)
}

// Scanner is safe for concurrent use.
type Scanner struct {
	opts   Options
	pool   *Pool
	state  atomic.Int32
	logger *slog.Logger
}

// New builds a Scanner in the Connecting state. No connection is made until
// WaitReady, Probe or Scan is called.
func New(opts Options, logger *slog.Logger) (*Scanner, error) {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 500 * time.Millisecond
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = 5 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	pool, err := NewPool(opts.Addr, int32(opts.PoolSize), opts.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		opts:   opts,
		pool:   pool,
		logger: logger.With(slog.String("component", "clamd"), slog.String("addr", opts.Addr)),
	}
	s.state.Store(int32(Connecting))
	return s, nil
}

// State reports the current state.
func (s *Scanner) State() State {
	return State(s.state.Load())
}

func (s *Scanner) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.logger.Info("clamd state changed", slog.String("from", prev.String()), slog.String("to", next.String()))
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(next)
	}
}

// Pool exposes the session pool, mostly for metrics.
func (s *Scanner) Pool() *Pool { return s.pool }

// Close releases pooled sessions.
func (s *Scanner) Close() { s.pool.Close() }

// Probe sends PING on a fresh connection bounded by the probe timeout. It
// does not change the scanner state.
func (s *Scanner) Probe(ctx context.Context) error {
	reply, err := s.oneShot(ctx, "PING")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if reply != "PONG" {
		return fmt.Errorf("%w: unexpected ping reply %q", ErrUnavailable, reply)
	}
	return nil
}

// Version asks clamd for its engine and signature database version.
func (s *Scanner) Version(ctx context.Context) (string, error) {
	reply, err := s.oneShot(ctx, "VERSION")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return reply, nil
}

func (s *Scanner) oneShot(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := writeCommand(conn, cmd); err != nil {
		return "", err
	}
	reply, err := readReply(bufio.NewReader(conn), false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// WaitReady probes every ReadyInterval until clamd answers, logging each
// failure, then moves the scanner to Ready. It returns ctx.Err() if the
// context ends first.
func (s *Scanner) WaitReady(ctx context.Context) error {
	s.logger.Info("checking clamd status")
	for {
		err := s.Probe(ctx)
		if err == nil {
			s.setState(Ready)
			if v, verr := s.Version(ctx); verr == nil {
				s.logger.Info("clamd connection established", slog.String("version", v))
			}
			return nil
		}
		s.logger.Info("clamd not live yet", slog.String("error", err.Error()))

		timer := time.NewTimer(s.opts.ReadyInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Watch probes every ReadyInterval until ctx ends and records each outcome
// in the state. It is for processes that report health without scanning.
func (s *Scanner) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReadyInterval)
	defer ticker.Stop()
	for {
		if err := s.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.State() == Ready {
				s.logger.Warn("clamd probe failed", slog.String("error", err.Error()))
			}
			if s.State() != Connecting {
				s.setState(Unavailable)
			}
		} else {
			s.setState(Ready)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan streams data to clamd and interprets the reply. Before WaitReady has
// succeeded it returns ErrUnavailable without touching the network. Every
// scan is preceded by a probe whose outcome updates the state.
func (s *Scanner) Scan(ctx context.Context, data []byte) (Verdict, error) {
	if s.State() == Connecting {
		return Verdict{}, fmt.Errorf("%w: not ready", ErrUnavailable)
	}
	if err := s.Probe(ctx); err != nil {
		s.logger.Error("unable to communicate with clamd", slog.String("error", err.Error()))
		s.setState(Unavailable)
		return Verdict{}, err
	}
	s.setState(Ready)

	reply, err := s.pool.instream(ctx, data, s.opts.ChunkSize)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			s.setState(Unavailable)
		}
		return Verdict{}, err
	}
	return parseVerdict(reply)
}
