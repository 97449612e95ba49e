// Package pipeline runs one scan request end to end: validate, fetch, screen
// for decompression bombs, scan, relocate, notify. Every path that gets past
// retrieval publishes exactly one completion event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dharsanguruparan/VaultScan/internal/bomb"
	"github.com/dharsanguruparan/VaultScan/internal/clamd"
	"github.com/dharsanguruparan/VaultScan/internal/config"
	"github.com/dharsanguruparan/VaultScan/internal/events"
	"github.com/dharsanguruparan/VaultScan/internal/metrics"
	"github.com/dharsanguruparan/VaultScan/internal/model"
	"github.com/dharsanguruparan/VaultScan/internal/submission"
	"github.com/dharsanguruparan/VaultScan/internal/validation"
)

// ErrUnknownUploadType means a request named an upload type with no routing
// configuration. It is a deployment problem, not a bad message.
var ErrUnknownUploadType = errors.New("unknown upload type")

// Target identifies which outbound notification failed.
type Target string

const (
	TargetSubmission Target = "submission"
	TargetReview     Target = "review"
	TargetBus        Target = "bus"
)

// NotificationError reports a failed submission update, review creation or
// event publish.
type NotificationError struct {
	Target Target
	Err    error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Target, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// Stage names used in logs and the stage histogram.
const (
	StageValidate = "validate"
	StageRetrieve = "retrieve"
	StageBomb     = "bomb_check"
	StageScan     = "scan"
	StageRelocate = "relocate"
	StageMetadata = "metadata"
	StageNotify   = "notify"
)

// Fetcher returns the bytes behind a file URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Inspector screens archives for decompression bombs.
type Inspector interface {
	Inspect(data []byte) bomb.Result
}

// Scanner returns a malware verdict.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (clamd.Verdict, error)
}

// Mover relocates an object with copy-then-delete.
type Mover interface {
	Move(ctx context.Context, src, dst model.Location) error
}

// CleanNotifier records clean files with the systems that track them.
type CleanNotifier interface {
	NotifyClean(ctx context.Context, req *model.ScanRequest, location string) error
}

// Deps wires a Pipeline.
type Deps struct {
	Fetcher   Fetcher
	Detector  Inspector
	Scanner   Scanner
	Mover     Mover
	Notifier  CleanNotifier
	Publisher events.Publisher

	DMZBucket     string
	UploadTypes   map[string]config.UploadType
	PublicURLBase string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Now stamps completion events; time.Now when nil.
	Now func() time.Time
}

// Pipeline is stateless between messages and safe for concurrent use.
type Pipeline struct {
	d Deps
}

// New returns a Pipeline.
func New(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.PublicURLBase == "" {
		d.PublicURLBase = "https://s3.amazonaws.com"
	}
	d.Logger = d.Logger.With(slog.String("component", "pipeline"))
	return &Pipeline{d: d}
}

// Process runs req through the pipeline. Infected files and bombs are
// results, not errors. Any returned error means the message should be
// redelivered or dead-lettered; the outcome is nil in that case.
func (p *Pipeline) Process(ctx context.Context, req *model.ScanRequest) (*model.ScanOutcome, error) {
	out, err := p.process(ctx, req)
	if err != nil {
		p.d.Metrics.Failed(Kind(err))
		return nil, err
	}
	p.d.Metrics.Completed(string(out.Verdict))
	return out, nil
}

func (p *Pipeline) process(ctx context.Context, req *model.ScanRequest) (*model.ScanOutcome, error) {
	log := p.d.Logger.With(
		slog.String("topic", req.Topic),
		slog.String("url", req.Payload.URL),
		slog.String("upload_type", req.Payload.UploadType),
	)

	start := time.Now()
	if err := validation.Validate(req); err != nil {
		log.Warn("rejecting invalid message", slog.String("stage", StageValidate), slog.String("error", err.Error()))
		return nil, err
	}
	uploadType, ok := p.d.UploadTypes[req.Payload.UploadType]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownUploadType, req.Payload.UploadType)
		log.Error("no routing configured for upload type", slog.String("stage", StageValidate), slog.String("error", err.Error()))
		return nil, err
	}
	p.d.Metrics.ObserveStage(StageValidate, start)

	start = time.Now()
	data, err := p.d.Fetcher.Fetch(ctx, req.Payload.URL)
	if err != nil {
		log.Error("file retrieval failed", slog.String("stage", StageRetrieve), slog.String("error", err.Error()))
		return nil, err
	}
	p.d.Metrics.ObserveStage(StageRetrieve, start)
	log.Debug("file retrieved", slog.String("stage", StageRetrieve), slog.Int("bytes", len(data)))

	event := *req
	event.Timestamp = p.d.Now().UTC()
	event.Payload.Status = model.StatusScanned

	start = time.Now()
	res := p.d.Detector.Inspect(data)
	p.d.Metrics.ObserveStage(StageBomb, start)
	if res.IsBomb() {
		info := &model.BombInfo{Code: res.Bomb.Code, Message: res.Bomb.Message}
		log.Warn("file is a zip bomb", slog.String("stage", StageBomb),
			slog.String("code", info.Code), slog.String("reason", info.Message))
		event.Payload.IsInfected = boolPtr(true)
		event.Payload.ZipBomb = info
		if err := p.publish(ctx, log, &event); err != nil {
			return nil, err
		}
		return &model.ScanOutcome{Verdict: model.VerdictBomb, IsZipBomb: true, Bomb: info}, nil
	}

	start = time.Now()
	verdict, err := p.d.Scanner.Scan(ctx, data)
	if err != nil {
		log.Error("scan failed", slog.String("stage", StageScan), slog.String("error", err.Error()))
		return nil, err
	}
	p.d.Metrics.ObserveStage(StageScan, start)
	event.Payload.IsInfected = boolPtr(verdict.Infected)

	outcome := &model.ScanOutcome{IsInfected: boolPtr(verdict.Infected), Signature: verdict.Signature}
	src := model.Location{Bucket: p.d.DMZBucket, Key: req.Payload.FileName}
	dst := model.Location{Bucket: uploadType.CleanBucket, Key: req.Payload.FileName}
	outcome.Verdict = model.VerdictClean
	if verdict.Infected {
		dst.Bucket = uploadType.QuarantineBucket
		outcome.Verdict = model.VerdictInfected
		log.Warn("file is infected", slog.String("stage", StageScan), slog.String("signature", verdict.Signature))
	} else {
		log.Info("file is clean", slog.String("stage", StageScan))
	}

	start = time.Now()
	if err := p.d.Mover.Move(ctx, src, dst); err != nil {
		log.Error("relocation failed", slog.String("stage", StageRelocate), slog.String("error", err.Error()))
		return nil, err
	}
	p.d.Metrics.ObserveStage(StageRelocate, start)
	outcome.Destination = &dst
	log.Info("file moved", slog.String("stage", StageRelocate), slog.String("destination", dst.String()))

	if !verdict.Infected {
		start = time.Now()
		if err := p.d.Notifier.NotifyClean(ctx, &event, dst.URL(p.d.PublicURLBase)); err != nil {
			log.Error("submission update failed", slog.String("stage", StageMetadata), slog.String("error", err.Error()))
			return nil, notificationError(err)
		}
		p.d.Metrics.ObserveStage(StageMetadata, start)
	}

	if err := p.publish(ctx, log, &event); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (p *Pipeline) publish(ctx context.Context, log *slog.Logger, event *model.ScanRequest) error {
	start := time.Now()
	if err := p.d.Publisher.Publish(ctx, event); err != nil {
		log.Error("publishing completion event failed", slog.String("stage", StageNotify), slog.String("error", err.Error()))
		return &NotificationError{Target: TargetBus, Err: err}
	}
	p.d.Metrics.ObserveStage(StageNotify, start)
	log.Info("completion event published", slog.String("stage", StageNotify))
	return nil
}

func notificationError(err error) error {
	var subErr *submission.Error
	if errors.As(err, &subErr) {
		return &NotificationError{Target: Target(subErr.Target), Err: subErr.Err}
	}
	return &NotificationError{Target: TargetSubmission, Err: err}
}

func boolPtr(b bool) *bool { return &b }
