package clamd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackc/puddle/v2"
)

// session is one clamd connection held in IDSESSION mode.
type session struct {
	conn net.Conn
	r    *bufio.Reader
	uses int
}

// Pool keeps IDSESSION connections to clamd. A session serves one scan at a
// time; a session that saw an I/O error is destroyed instead of released.
type Pool struct {
	addr string
	pool *puddle.Pool[*session]
}

// NewPool creates a pool of at most size sessions against addr. Sessions are
// dialled lazily on first use.
func NewPool(addr string, size int32, dialTimeout time.Duration) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{addr: addr}
	pool, err := puddle.NewPool(&puddle.Config[*session]{
		Constructor: func(ctx context.Context) (*session, error) {
			return openSession(ctx, addr, dialTimeout)
		},
		Destructor: closeSession,
		MaxSize:    size,
	})
	if err != nil {
		return nil, fmt.Errorf("clamd pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

func openSession(ctx context.Context, addr string, dialTimeout time.Duration) (*session, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := writeCommand(conn, "IDSESSION"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return &session{conn: conn, r: bufio.NewReader(conn)}, nil
}

func closeSession(s *session) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	_ = writeCommand(s.conn, "END")
	_ = s.conn.Close()
}

// Stat reports acquired, idle and total session counts.
func (p *Pool) Stat() (acquired, idle, total int32) {
	st := p.pool.Stat()
	return st.AcquiredResources(), st.IdleResources(), st.TotalResources()
}

// Close destroys every session, waiting for acquired ones to come back.
func (p *Pool) Close() {
	p.pool.Close()
}

// instream runs one INSTREAM exchange on a pooled session. A session that
// had already served a request and fails on I/O may have been dropped by
// clamd's idle timeout, so the exchange is retried once on a fresh one.
func (p *Pool) instream(ctx context.Context, data []byte, chunkSize int) (string, error) {
	for attempt := 0; ; attempt++ {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s := res.Value()
		reply, err := s.instream(ctx, data, chunkSize)
		if err == nil {
			s.uses++
			res.Release()
			return reply, nil
		}
		stale := s.uses > 0
		res.Destroy()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !stale || attempt > 0 {
			return "", &ScanError{Reply: "instream", Err: err}
		}
	}
}

func (s *session) instream(ctx context.Context, data []byte, chunkSize int) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
	} else {
		_ = s.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writeCommand(s.conn, "INSTREAM"); err != nil {
		return "", err
	}
	if err := writeStream(s.conn, data, chunkSize); err != nil {
		return "", err
	}
	return readReply(s.r, true)
}
