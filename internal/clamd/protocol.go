package clamd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

const defaultChunkSize = 64 << 10

// writeCommand sends a null-terminated command, e.g. "zPING\x00".
func writeCommand(w io.Writer, cmd string) error {
	_, err := io.WriteString(w, "z"+cmd+"\x00")
	return err
}

// writeStream frames data as INSTREAM chunks: a 4-byte big-endian length
// followed by that many bytes, terminated by a zero-length chunk.
func writeStream(w io.Writer, data []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	var size [4]byte
	for len(data) > 0 {
		n := min(chunkSize, len(data))
		binary.BigEndian.PutUint32(size[:], uint32(n))
		if _, err := w.Write(size[:]); err != nil {
			return err
		}
		if _, err := w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	binary.BigEndian.PutUint32(size[:], 0)
	_, err := w.Write(size[:])
	return err
}

// readReply reads one null-terminated reply. In session mode replies are
// prefixed with the request number ("3: stream: OK"); the prefix is dropped.
func readReply(r *bufio.Reader, session bool) (string, error) {
	line, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\x00\n")
	if session {
		if i := strings.Index(line, ": "); i > 0 && isDigits(line[:i]) {
			line = line[i+2:]
		}
	}
	return line, nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// parseVerdict interprets an INSTREAM reply.
func parseVerdict(reply string) (Verdict, error) {
	switch {
	case strings.HasSuffix(reply, " ERROR"):
		return Verdict{}, &ScanError{Reply: reply}
	case strings.HasSuffix(reply, " FOUND"):
		body := strings.TrimSuffix(reply, " FOUND")
		body = strings.TrimPrefix(body, "stream: ")
		return Verdict{Infected: true, Signature: strings.TrimSpace(body)}, nil
	case strings.HasSuffix(reply, ": OK"):
		return Verdict{}, nil
	default:
		return Verdict{}, &ScanError{Reply: fmt.Sprintf("unexpected reply %q", reply)}
	}
}
