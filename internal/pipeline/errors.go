package pipeline

import (
	"errors"

	"github.com/dharsanguruparan/VaultScan/internal/clamd"
	"github.com/dharsanguruparan/VaultScan/internal/retrieval"
	"github.com/dharsanguruparan/VaultScan/internal/s3storage"
	"github.com/dharsanguruparan/VaultScan/internal/validation"
)

// Kind classifies a Process error for metrics, audit rows and retry
// decisions.
func Kind(err error) string {
	var (
		valErr   *validation.Error
		retErr   *retrieval.Error
		scanErr  *clamd.ScanError
		relErr   *s3storage.RelocationError
		notifErr *NotificationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &valErr):
		return "validation"
	case errors.Is(err, ErrUnknownUploadType):
		return "unknown_upload_type"
	case errors.As(err, &retErr):
		return "retrieval"
	case errors.Is(err, clamd.ErrUnavailable):
		return "scanner_unavailable"
	case errors.As(err, &scanErr):
		return "scan"
	case errors.As(err, &relErr):
		return "relocation_" + string(relErr.Stage)
	case errors.As(err, &notifErr):
		return "notification_" + string(notifErr.Target)
	default:
		return "internal"
	}
}

// Permanent reports whether redelivering the message cannot help.
func Permanent(err error) bool {
	var valErr *validation.Error
	return errors.As(err, &valErr) || errors.Is(err, ErrUnknownUploadType)
}
