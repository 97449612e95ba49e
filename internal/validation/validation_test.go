package validation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSubmission = `{
  "topic": "avscan.action.scan",
  "originator": "submission-api",
  "timestamp": "2024-03-01T10:00:00.000Z",
  "mime-type": "application/json",
  "payload": {
    "submissionId": "a12a4180-65aa-42ec-a945-5fd21dec0501",
    "url": "https://s3.amazonaws.com/dmz/file.zip",
    "fileName": "file.zip",
    "status": "unscanned",
    "uploadType": "submission",
    "challengeId": 30054692,
    "memberId": "40309246"
  }
}`

func mutate(t *testing.T, fn func(msg map[string]any, payload map[string]any)) []byte {
	t.Helper()
	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(validSubmission), &msg))
	fn(msg, msg["payload"].(map[string]any))
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	return out
}

func requireField(t *testing.T, err error, field string) {
	t.Helper()
	var verr *Error
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	assert.Equal(t, field, verr.Field)
}

func TestDecodeValidSubmission(t *testing.T) {
	req, err := Decode([]byte(validSubmission))
	require.NoError(t, err)

	assert.Equal(t, "avscan.action.scan", req.Topic)
	assert.Equal(t, "application/json", req.MimeType)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), req.Timestamp.UTC())
	assert.Equal(t, "a12a4180-65aa-42ec-a945-5fd21dec0501", req.Payload.SubmissionID)
	assert.JSONEq(t, `30054692`, string(req.Payload.Extra["challengeId"]))
	assert.JSONEq(t, `"40309246"`, string(req.Payload.Extra["memberId"]))
}

func TestDecodeRequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		drop  func(msg, payload map[string]any)
		field string
	}{
		{"topic", func(m, _ map[string]any) { delete(m, "topic") }, "topic"},
		{"originator", func(m, _ map[string]any) { m["originator"] = "" }, "originator"},
		{"timestamp", func(m, _ map[string]any) { delete(m, "timestamp") }, "timestamp"},
		{"mime-type", func(m, _ map[string]any) { delete(m, "mime-type") }, "mime-type"},
		{"payload", func(m, _ map[string]any) { delete(m, "payload") }, "payload"},
		{"url", func(_, p map[string]any) { delete(p, "url") }, "payload.url"},
		{"fileName", func(_, p map[string]any) { delete(p, "fileName") }, "payload.fileName"},
		{"status", func(_, p map[string]any) { delete(p, "status") }, "payload.status"},
		{"uploadType", func(_, p map[string]any) { delete(p, "uploadType") }, "payload.uploadType"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(mutate(t, tc.drop))
			requireField(t, err, tc.field)
		})
	}
}

func TestSubmissionIDRequiredOnlyForSubmissions(t *testing.T) {
	_, err := Decode(mutate(t, func(_, p map[string]any) { delete(p, "submissionId") }))
	requireField(t, err, "payload.submissionId")

	req, err := Decode(mutate(t, func(_, p map[string]any) {
		delete(p, "submissionId")
		p["uploadType"] = "asset"
	}))
	require.NoError(t, err)
	assert.Empty(t, req.Payload.SubmissionID)
}

func TestTimestampFormats(t *testing.T) {
	req, err := Decode(mutate(t, func(m, _ map[string]any) { m["timestamp"] = 1709287200000 }))
	require.NoError(t, err)
	assert.Equal(t, int64(1709287200000), req.Timestamp.UnixMilli())

	req, err = Decode(mutate(t, func(m, _ map[string]any) { m["timestamp"] = "2024-03-01" }))
	require.NoError(t, err)
	assert.Equal(t, 2024, req.Timestamp.Year())

	_, err = Decode(mutate(t, func(m, _ map[string]any) { m["timestamp"] = "yesterday" }))
	requireField(t, err, "timestamp")
}

func TestMimeTypeCamelCaseAccepted(t *testing.T) {
	req, err := Decode(mutate(t, func(m, _ map[string]any) {
		delete(m, "mime-type")
		m["mimeType"] = "application/zip"
	}))
	require.NoError(t, err)
	assert.Equal(t, "application/zip", req.MimeType)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	requireField(t, err, "message")

	_, err = Decode(mutate(t, func(m, _ map[string]any) { m["topic"] = 42 }))
	requireField(t, err, "topic")
}

func TestValidateNil(t *testing.T) {
	requireField(t, Validate(nil), "message")
}
