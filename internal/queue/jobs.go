// Package queue defines the asynq task that carries a scan request from the
// intake API (or the CLI) to the worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/VaultScan/internal/model"
)

const (
	// ScanTask is enqueued once per uploaded file.
	ScanTask = "avscan:scan"
	// DefaultQueue is the asynq queue scan tasks go to.
	DefaultQueue = "avscan"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewScanTask wraps the request as it will be published: the task payload
// is the message JSON itself, unknown payload fields included.
func NewScanTask(req *model.ScanRequest) (*asynq.Task, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal scan request: %w", err)
	}
	return asynq.NewTask(ScanTask, data), nil
}

// EnqueueScan enqueues a scan task and returns its asynq id.
func EnqueueScan(ctx context.Context, client Enqueuer, req *model.ScanRequest, maxRetry int) (string, error) {
	task, err := NewScanTask(req)
	if err != nil {
		return "", err
	}
	info, err := client.EnqueueContext(ctx, task,
		asynq.Queue(DefaultQueue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(30*time.Minute),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue scan task: %w", err)
	}
	return info.ID, nil
}

// RedisOpt builds the asynq connection options shared by client and server.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}
