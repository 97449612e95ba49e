// Package worker feeds raw scan messages into the pipeline. It is shared by
// the asynq server and the Kafka consumer.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/VaultScan/internal/model"
	"github.com/dharsanguruparan/VaultScan/internal/pipeline"
	"github.com/dharsanguruparan/VaultScan/internal/queue"
	"github.com/dharsanguruparan/VaultScan/internal/repository"
	"github.com/dharsanguruparan/VaultScan/internal/validation"
)

// Pipeline is implemented by *pipeline.Pipeline.
type Pipeline interface {
	Process(ctx context.Context, req *model.ScanRequest) (*model.ScanOutcome, error)
}

// Recorder persists audit rows; implemented by *repository.ScanRepository.
type Recorder interface {
	Record(ctx context.Context, res *repository.ScanResult) error
}

// Processor is plugged into the asynq worker loop and the Kafka consumer.
type Processor struct {
	pipeline Pipeline
	audit    Recorder
	logger   *slog.Logger
}

// NewProcessor constructs a worker processor. audit may be nil.
func NewProcessor(p Pipeline, audit Recorder, logger *slog.Logger) *Processor {
	return &Processor{pipeline: p, audit: audit, logger: logger.With(slog.String("component", "worker"))}
}

// Handler registers the scan task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ScanTask, p.handleScan)
	return mux
}

func (p *Processor) handleScan(ctx context.Context, task *asynq.Task) error {
	taskID, _ := asynq.GetTaskID(ctx)
	err := p.Handle(ctx, taskID, task.Payload())
	if err != nil && pipeline.Permanent(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// Handle decodes and processes one raw message. The error, if any, can be
// classified with pipeline.Permanent.
func (p *Processor) Handle(ctx context.Context, id string, raw []byte) error {
	start := time.Now()
	req, err := validation.Decode(raw)
	if err != nil {
		p.logger.Warn("dropping malformed message", slog.String("id", id), slog.String("error", err.Error()))
		p.record(ctx, id, &model.ScanRequest{}, nil, err, start)
		return err
	}
	outcome, err := p.pipeline.Process(ctx, req)
	p.record(ctx, id, req, outcome, err, start)
	if err != nil {
		return fmt.Errorf("process %s: %w", req.Payload.URL, err)
	}
	return nil
}

func (p *Processor) record(ctx context.Context, id string, req *model.ScanRequest, out *model.ScanOutcome, procErr error, start time.Time) {
	if p.audit == nil {
		return
	}
	res := &repository.ScanResult{
		TaskID:       id,
		Topic:        req.Topic,
		URL:          req.Payload.URL,
		FileName:     req.Payload.FileName,
		UploadType:   req.Payload.UploadType,
		SubmissionID: req.Payload.SubmissionID,
		Duration:     time.Since(start),
	}
	if out != nil {
		res.Verdict = string(out.Verdict)
		res.Signature = out.Signature
		if out.Bomb != nil {
			res.BombCode = out.Bomb.Code
		}
		if out.Destination != nil {
			res.Destination = out.Destination.String()
		}
	}
	if procErr != nil {
		res.ErrorKind = pipeline.Kind(procErr)
		res.ErrorMessage = procErr.Error()
	}
	// The audit row must not outlive a cancelled task, but it should not be
	// lost just because processing used up the deadline.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.audit.Record(actx, res); err != nil {
		p.logger.Error("audit write failed", slog.String("url", res.URL), slog.String("error", err.Error()))
	}
}
