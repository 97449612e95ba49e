package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/VaultScan/internal/model"
)

type fakeEnqueuer struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.task, f.opts = task, opts
	return &asynq.TaskInfo{ID: "task-1", Queue: DefaultQueue}, nil
}

func sample() *model.ScanRequest {
	return &model.ScanRequest{
		Topic:      "avscan.action.scan",
		Originator: "intake",
		Timestamp:  time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
		MimeType:   "application/json",
		Payload: model.ScanPayload{
			URL:        "s3://dmz/a.zip",
			FileName:   "a.zip",
			Status:     "unscanned",
			UploadType: "asset",
			Extra:      map[string]json.RawMessage{"legacyId": json.RawMessage(`"L-1"`)},
		},
	}
}

func TestEnqueueScan(t *testing.T) {
	f := &fakeEnqueuer{}
	id, err := EnqueueScan(context.Background(), f, sample(), 7)
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, ScanTask, f.task.Type())

	var got map[string]any
	require.NoError(t, json.Unmarshal(f.task.Payload(), &got))
	assert.Equal(t, "application/json", got["mime-type"])
	assert.Equal(t, "L-1", got["payload"].(map[string]any)["legacyId"])

	var types []asynq.OptionType
	for _, o := range f.opts {
		types = append(types, o.Type())
	}
	assert.Contains(t, types, asynq.MaxRetryOpt)
	assert.Contains(t, types, asynq.QueueOpt)
}

func TestEnqueueScanError(t *testing.T) {
	_, err := EnqueueScan(context.Background(), &fakeEnqueuer{err: errors.New("redis down")}, sample(), 1)
	assert.ErrorContains(t, err, "redis down")
}
