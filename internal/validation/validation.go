// Package validation checks inbound scan requests before any processing.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dharsanguruparan/VaultScan/internal/model"
)

// Error names the field that made a message invalid. Validation failures are
// terminal for the message.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid scan request: %s %s", e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// wireRequest mirrors the JSON envelope loosely so missing and malformed
// fields can be reported by name instead of as a decoder error.
type wireRequest struct {
	Topic       string             `json:"topic"`
	Originator  string             `json:"originator"`
	Timestamp   json.RawMessage    `json:"timestamp"`
	MimeType    string             `json:"mime-type"`
	MimeTypeAlt string             `json:"mimeType"`
	Payload     *model.ScanPayload `json:"payload"`
}

// Decode parses and validates a raw message.
func Decode(raw []byte) (*model.ScanRequest, error) {
	var wire wireRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, &Error{Field: typeErr.Field, Reason: "must be " + typeErr.Type.String() + ", got " + typeErr.Value}
		}
		return nil, &Error{Field: "message", Reason: "is not valid JSON: " + err.Error()}
	}
	if wire.Payload == nil {
		return nil, &Error{Field: "payload", Reason: "is required"}
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return nil, err
	}
	req := &model.ScanRequest{
		Topic:      wire.Topic,
		Originator: wire.Originator,
		Timestamp:  ts,
		MimeType:   wire.MimeType,
		Payload:    *wire.Payload,
	}
	if req.MimeType == "" {
		req.MimeType = wire.MimeTypeAlt
	}
	if err := Validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate applies the field rules to an already decoded request.
func Validate(req *model.ScanRequest) error {
	if req == nil {
		return &Error{Field: "message", Reason: "is required"}
	}
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate scan request: %w", err)
	}
	first := verrs[0]
	return &Error{Field: fieldPath(first.Namespace()), Reason: reason(first)}
}

// fieldPath drops the root struct name: "ScanRequest.payload.url" -> "payload.url".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required_if":
		return "is required when uploadType is " + model.UploadTypeSubmission
	case "required":
		return "is required"
	default:
		return "failed " + fe.Tag()
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts ISO-8601 strings and epoch milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, &Error{Field: "timestamp", Reason: "is required"}
	}
	if raw[0] != '"' {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}, &Error{Field: "timestamp", Reason: "must be a date"}
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return time.Time{}, &Error{Field: "timestamp", Reason: "is required"}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, &Error{Field: "timestamp", Reason: "must be a date"}
}
