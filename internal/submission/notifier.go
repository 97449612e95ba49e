package submission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/VaultScan/internal/model"
)

// CleanScore is the review score for a clean submission.
const CleanScore = 100

// Target names which submission API call failed.
type Target string

const (
	TargetSubmission Target = "submission"
	TargetReview     Target = "review"
)

// Error wraps a failed call with the call it came from.
type Error struct {
	Target Target
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("%s update failed: %v", e.Target, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// API is the subset of Client the Notifier drives.
type API interface {
	UpdateSubmissionURL(ctx context.Context, submissionID, location string) error
	CreateReview(ctx context.Context, review Review) error
	ReviewTypeID(ctx context.Context, name string) (string, error)
}

// Notifier records clean submissions.
type Notifier struct {
	api            API
	reviewTypeName string
	scoreCardID    string
	newID          func() string
	logger         *slog.Logger
}

// NewNotifier returns a Notifier filing reviews of the named type against
// scoreCardID.
func NewNotifier(api API, reviewTypeName, scoreCardID string, logger *slog.Logger) *Notifier {
	return &Notifier{
		api:            api,
		reviewTypeName: reviewTypeName,
		scoreCardID:    scoreCardID,
		newID:          uuid.NewString,
		logger:         logger.With(slog.String("component", "submission_notifier")),
	}
}

// NotifyClean updates the submission to point at location and files a
// passing review. Requests for any other upload type are ignored.
func (n *Notifier) NotifyClean(ctx context.Context, req *model.ScanRequest, location string) error {
	if !req.IsSubmission() {
		return nil
	}
	id := req.Payload.SubmissionID

	n.logger.Info("updating submission location", slog.String("submission_id", id))
	if err := n.api.UpdateSubmissionURL(ctx, id, location); err != nil {
		return &Error{Target: TargetSubmission, Err: err}
	}

	typeID, err := n.api.ReviewTypeID(ctx, n.reviewTypeName)
	if err != nil {
		return &Error{Target: TargetReview, Err: err}
	}
	n.logger.Info("creating review", slog.String("submission_id", id))
	review := Review{
		Score:        CleanScore,
		ReviewerID:   n.newID(),
		SubmissionID: id,
		ScoreCardID:  n.scoreCardID,
		TypeID:       typeID,
	}
	if err := n.api.CreateReview(ctx, review); err != nil {
		return &Error{Target: TargetReview, Err: err}
	}
	return nil
}
