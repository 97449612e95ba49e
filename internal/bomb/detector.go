// Package bomb screens zip archives for decompression-bomb traits by reading
// only their central directory. Entries are never inflated, so the cost of a
// check is bounded by the size of the directory rather than by the sizes the
// archive claims.
package bomb

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zip"
)

// Finding codes.
const (
	CodeEntries = "ZIP_BOMB_ENTRIES"
	CodeSize    = "ZIP_BOMB_SIZE"
	CodeRatio   = "ZIP_BOMB_RATIO"
	CodeOverlap = "ZIP_BOMB_OVERLAP"
)

// Finding describes why an archive was flagged.
type Finding struct {
	Code    string
	Message string
}

// Result is the outcome of an inspection: Bomb is nil for anything that was
// not flagged, including input that is not a zip archive at all.
type Result struct {
	Bomb *Finding
}

// IsBomb reports whether the archive was flagged.
func (r Result) IsBomb() bool { return r.Bomb != nil }

// Limits bound what an archive may declare.
type Limits struct {
	// MaxEntries caps the number of central directory records.
	MaxEntries int
	// MaxUncompressed caps the sum of declared uncompressed sizes.
	MaxUncompressed uint64
	// MaxRatio caps uncompressed/compressed, per entry and for the archive.
	MaxRatio float64
	// RatioFloor exempts entries smaller than this from the ratio check;
	// tiny highly repetitive files compress absurdly well and are harmless.
	RatioFloor uint64
}

// DefaultLimits are used for zero fields in the Limits passed to New.
var DefaultLimits = Limits{
	MaxEntries:      10000,
	MaxUncompressed: 2 << 30,
	MaxRatio:        100,
	RatioFloor:      1 << 20,
}

// Detector inspects archives against a set of Limits.
type Detector struct {
	limits Limits
}

// New returns a Detector; zero fields in limits fall back to DefaultLimits.
func New(limits Limits) *Detector {
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = DefaultLimits.MaxEntries
	}
	if limits.MaxUncompressed == 0 {
		limits.MaxUncompressed = DefaultLimits.MaxUncompressed
	}
	if limits.MaxRatio <= 0 {
		limits.MaxRatio = DefaultLimits.MaxRatio
	}
	if limits.RatioFloor == 0 {
		limits.RatioFloor = DefaultLimits.RatioFloor
	}
	return &Detector{limits: limits}
}

type span struct {
	name  string
	start int64
	end   int64
}

// Inspect checks data. It never returns an error: malformed or non-zip input
// is simply not a bomb.
func (d *Detector) Inspect(data []byte) Result {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if zr == nil || (err != nil && len(zr.File) == 0) {
		return Result{}
	}

	if n := len(zr.File); n > d.limits.MaxEntries {
		return flag(CodeEntries, "archive declares %d entries, limit is %d", n, d.limits.MaxEntries)
	}

	var totalCompressed, totalUncompressed uint64
	spans := make([]span, 0, len(zr.File))
	for _, f := range zr.File {
		totalCompressed += f.CompressedSize64
		totalUncompressed += f.UncompressedSize64
		if totalUncompressed > d.limits.MaxUncompressed || totalUncompressed < f.UncompressedSize64 {
			return flag(CodeSize, "archive declares more than %d uncompressed bytes", d.limits.MaxUncompressed)
		}
		if d.exceedsRatio(f.CompressedSize64, f.UncompressedSize64) {
			return flag(CodeRatio, "entry %q expands %d bytes to %d bytes", f.Name, f.CompressedSize64, f.UncompressedSize64)
		}
		// DataOffset reads the fixed-size local header only.
		offset, err := f.DataOffset()
		if err != nil || offset < 0 {
			continue
		}
		spans = append(spans, span{name: f.Name, start: offset, end: offset + int64(f.CompressedSize64)})
	}

	if d.exceedsRatio(totalCompressed, totalUncompressed) {
		return flag(CodeRatio, "archive expands %d bytes to %d bytes", totalCompressed, totalUncompressed)
	}
	if a, b, ok := overlapping(spans); ok {
		return flag(CodeOverlap, "entries %q and %q share compressed data", a, b)
	}
	return Result{}
}

func (d *Detector) exceedsRatio(compressed, uncompressed uint64) bool {
	if uncompressed < d.limits.RatioFloor {
		return false
	}
	if compressed == 0 {
		return true
	}
	return float64(uncompressed)/float64(compressed) > d.limits.MaxRatio
}

// overlapping finds two entries whose compressed data ranges intersect,
// the signature of overlapping-file bombs that reuse one kernel many times.
func overlapping(spans []span) (string, string, bool) {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.start < prev.end || cur.start == prev.start {
			return prev.name, cur.name, true
		}
	}
	return "", "", false
}

func flag(code, format string, args ...any) Result {
	return Result{Bomb: &Finding{Code: code, Message: fmt.Sprintf(format, args...)}}
}
