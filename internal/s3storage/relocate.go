package s3storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dharsanguruparan/VaultScan/internal/model"
)

// Stage names the step of a move that failed.
type Stage string

const (
	StageCopy   Stage = "copy"
	StageDelete Stage = "delete"
)

// RelocationError reports a failed move.
type RelocationError struct {
	Stage Stage
	Src   model.Location
	Dst   model.Location
	Err   error
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("relocate %s to %s: %s failed: %v", e.Src, e.Dst, e.Stage, e.Err)
}

func (e *RelocationError) Unwrap() error { return e.Err }

// Completed reports whether the object already sits at its destination.
// That is the case when only the delete of the source failed.
func (e *RelocationError) Completed() bool { return e.Stage == StageDelete }

// Relocator moves objects with copy-then-delete. At no point is the object
// absent from both locations.
type Relocator struct {
	store  ObjectStore
	logger *slog.Logger
}

// NewRelocator returns a Relocator over store.
func NewRelocator(store ObjectStore, logger *slog.Logger) *Relocator {
	return &Relocator{store: store, logger: logger.With(slog.String("component", "relocator"))}
}

// Move copies src to dst and then deletes src. A failed copy leaves both
// locations untouched; a failed delete leaves the object in both.
func (r *Relocator) Move(ctx context.Context, src, dst model.Location) error {
	if err := r.store.Copy(ctx, src, dst); err != nil {
		return &RelocationError{Stage: StageCopy, Src: src, Dst: dst, Err: err}
	}
	if err := r.store.Delete(ctx, src); err != nil {
		r.logger.Warn("object copied but source not deleted",
			slog.String("src", src.String()), slog.String("dst", dst.String()), slog.String("error", err.Error()))
		return &RelocationError{Stage: StageDelete, Src: src, Dst: dst, Err: err}
	}
	r.logger.Debug("object moved", slog.String("src", src.String()), slog.String("dst", dst.String()))
	return nil
}
