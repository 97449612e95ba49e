// Package clamdtest runs a minimal clamd on loopback for tests. It speaks
// enough of the protocol for PING, VERSION, IDSESSION and INSTREAM.
package clamdtest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// EICAR is the standard antivirus test string; streams containing it are
// reported as infected.
const EICAR = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// Signature is reported for EICAR streams.
const Signature = "Eicar-Test-Signature"

// ErrorMarker makes the server answer a stream with an ERROR reply.
const ErrorMarker = "CLAMDTEST-ERROR"

// Server is a fake clamd. The zero value is not usable; call NewServer.
type Server struct {
	ln      net.Listener
	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	streams atomic.Int64
	pings   atomic.Int64
}

// NewServer listens on an ephemeral loopback port.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, conns: map[net.Conn]struct{}{}}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr is the host:port the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Streams counts completed INSTREAM requests.
func (s *Server) Streams() int64 { return s.streams.Load() }

// Pings counts PING requests.
func (s *Server) Pings() int64 { return s.pings.Load() }

// DropConnections closes every open connection, as clamd does on its idle
// timeout, while continuing to accept new ones.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the listener and all connections.
func (s *Server) Close() {
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	session := false
	seq := 0
	for {
		cmd, err := r.ReadString(0)
		if err != nil {
			return
		}
		cmd = strings.TrimPrefix(strings.TrimSuffix(cmd, "\x00"), "z")
		seq++

		var reply string
		switch cmd {
		case "IDSESSION":
			session = true
			seq = 0
			continue
		case "END":
			return
		case "PING":
			s.pings.Add(1)
			reply = "PONG"
		case "VERSION":
			reply = "ClamAV 1.3.1/27400/Mon Oct 19 08:00:00 2026"
		case "INSTREAM":
			data, err := readStream(r)
			if err != nil {
				return
			}
			s.streams.Add(1)
			reply = verdict(data)
		default:
			reply = "UNKNOWN COMMAND"
		}
		if session {
			reply = fmt.Sprintf("%d: %s", seq, reply)
		}
		if _, err := io.WriteString(conn, reply+"\x00"); err != nil {
			return
		}
		if !session {
			return
		}
	}
}

func readStream(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	var size [4]byte
	for {
		if _, err := io.ReadFull(r, size[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(size[:])
		if n == 0 {
			return buf.Bytes(), nil
		}
		if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
			return nil, err
		}
	}
}

func verdict(data []byte) string {
	switch {
	case bytes.Contains(data, []byte(ErrorMarker)):
		return "stream: INSTREAM size limit exceeded. ERROR"
	case bytes.Contains(data, []byte(EICAR)):
		return "stream: " + Signature + " FOUND"
	default:
		return "stream: OK"
	}
}
