package bomb

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name         string
	compressed   []byte
	uncompressed uint64
}

// rawArchive writes entries with whatever sizes they claim; the payload is
// never actually the claimed size.
func rawArchive(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateRaw(&zip.FileHeader{
			Name:               e.name,
			Method:             zip.Deflate,
			CompressedSize64:   uint64(len(e.compressed)),
			UncompressedSize64: e.uncompressed,
		})
		require.NoError(t, err)
		_, err = w.Write(e.compressed)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func realArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestInspectCleanInputs(t *testing.T) {
	d := New(Limits{})

	assert.False(t, d.Inspect(nil).IsBomb())
	assert.False(t, d.Inspect([]byte("%PDF-1.7 not an archive")).IsBomb())
	assert.False(t, d.Inspect([]byte("PK\x03\x04 truncated")).IsBomb())
	assert.False(t, d.Inspect(realArchive(t, map[string]string{
		"README.md": "hello",
		"src/a.go":  "package a",
	})).IsBomb())

	// Highly compressible but small: below the ratio floor.
	small := rawArchive(t, entry{name: "zeros.bin", compressed: make([]byte, 10), uncompressed: 512 << 10})
	assert.False(t, d.Inspect(small).IsBomb())
}

func TestInspectRatio(t *testing.T) {
	d := New(Limits{})
	data := rawArchive(t, entry{name: "zeros.bin", compressed: make([]byte, 1000), uncompressed: 50 << 20})

	res := d.Inspect(data)
	require.True(t, res.IsBomb())
	assert.Equal(t, CodeRatio, res.Bomb.Code)
	assert.Contains(t, res.Bomb.Message, "zeros.bin")
}

func TestInspectArchiveRatio(t *testing.T) {
	d := New(Limits{MaxRatio: 100, RatioFloor: 1 << 20})
	// Each entry stays under the floor, the archive as a whole does not.
	var entries []entry
	for i := 0; i < 20; i++ {
		entries = append(entries, entry{name: string(rune('a'+i)) + ".txt", compressed: make([]byte, 10), uncompressed: 900 << 10})
	}
	res := d.Inspect(rawArchive(t, entries...))
	require.True(t, res.IsBomb())
	assert.Equal(t, CodeRatio, res.Bomb.Code)
}

func TestInspectTotalSize(t *testing.T) {
	d := New(Limits{MaxRatio: 1e12})
	data := rawArchive(t,
		entry{name: "a", compressed: make([]byte, 64), uncompressed: 3 << 30},
	)
	res := d.Inspect(data)
	require.True(t, res.IsBomb())
	assert.Equal(t, CodeSize, res.Bomb.Code)
}

func TestInspectEntryCount(t *testing.T) {
	d := New(Limits{MaxEntries: 5})
	files := map[string]string{}
	for i := 0; i < 6; i++ {
		files[string(rune('a'+i))] = "x"
	}
	res := d.Inspect(realArchive(t, files))
	require.True(t, res.IsBomb())
	assert.Equal(t, CodeEntries, res.Bomb.Code)
}

// overlappingArchive hand-builds an archive whose two central directory
// records point at the same local file header.
func overlappingArchive() []byte {
	body := []byte("hello")
	crc := crc32.ChecksumIEEE(body)
	var buf bytes.Buffer
	le := binary.LittleEndian

	// Local file header for "a", stored.
	binary.Write(&buf, le, uint32(0x04034b50))
	binary.Write(&buf, le, []uint16{20, 0, 0, 0, 0})
	binary.Write(&buf, le, []uint32{crc, uint32(len(body)), uint32(len(body))})
	binary.Write(&buf, le, []uint16{1, 0})
	buf.WriteString("a")
	buf.Write(body)

	cdStart := buf.Len()
	for _, name := range []string{"a", "b"} {
		binary.Write(&buf, le, uint32(0x02014b50))
		binary.Write(&buf, le, []uint16{20, 20, 0, 0, 0, 0})
		binary.Write(&buf, le, []uint32{crc, uint32(len(body)), uint32(len(body))})
		binary.Write(&buf, le, []uint16{1, 0, 0, 0, 0})
		binary.Write(&buf, le, []uint32{0, 0})
		buf.WriteString(name)
	}
	cdSize := buf.Len() - cdStart

	binary.Write(&buf, le, uint32(0x06054b50))
	binary.Write(&buf, le, []uint16{0, 0, 2, 2})
	binary.Write(&buf, le, []uint32{uint32(cdSize), uint32(cdStart)})
	binary.Write(&buf, le, uint16(0))
	return buf.Bytes()
}

func TestInspectOverlap(t *testing.T) {
	res := New(Limits{}).Inspect(overlappingArchive())
	require.True(t, res.IsBomb())
	assert.Equal(t, CodeOverlap, res.Bomb.Code)
}

func TestInspectCostIndependentOfClaimedSize(t *testing.T) {
	d := New(Limits{MaxUncompressed: 1 << 62, MaxRatio: 1e15})
	var entries []entry
	for i := 0; i < 100; i++ {
		entries = append(entries, entry{name: string(rune('A'+i%26)) + string(rune('a'+i/26)), compressed: make([]byte, 32), uncompressed: 1 << 40})
	}
	data := rawArchive(t, entries...)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	res := d.Inspect(data)
	runtime.ReadMemStats(&after)

	// 100 entries claiming a terabyte each: nothing flagged by these limits,
	// and allocation stays in the kilobytes.
	assert.False(t, res.IsBomb())
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(4<<20))
}
