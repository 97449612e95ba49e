// Package model contains the scan request, payload, and outcome types shared
// by the pipeline, its collaborators, and the transports around it.
package model

import (
	"encoding/json"
	"time"
)

// StatusScanned is written into payload.status once the pipeline concludes.
const StatusScanned = "scanned"

// UploadTypeSubmission is the only upload type that drives submission API calls.
const UploadTypeSubmission = "submission"

// ScanRequest is the inbound "file uploaded" event. The same value, mutated,
// is published as the completion event.
type ScanRequest struct {
	Topic      string      `json:"topic" validate:"required"`
	Originator string      `json:"originator" validate:"required"`
	Timestamp  time.Time   `json:"timestamp" validate:"required"`
	MimeType   string      `json:"mime-type" validate:"required"`
	Payload    ScanPayload `json:"payload"`
}

// ScanPayload describes the uploaded object. Fields the service does not
// interpret are kept in Extra and written back unchanged.
type ScanPayload struct {
	SubmissionID string    `json:"submissionId,omitempty" validate:"required_if=UploadType submission"`
	URL          string    `json:"url" validate:"required"`
	FileName     string    `json:"fileName" validate:"required"`
	Status       string    `json:"status" validate:"required"`
	UploadType   string    `json:"uploadType" validate:"required"`
	IsInfected   *bool     `json:"isInfected,omitempty"`
	ZipBomb      *BombInfo `json:"zipBomb,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// BombInfo is attached to completion events for archives flagged as
// decompression bombs.
type BombInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var payloadKeys = []string{"submissionId", "url", "fileName", "status", "uploadType", "isInfected", "zipBomb"}

// payloadFields has the same layout as ScanPayload without its JSON methods.
type payloadFields ScanPayload

// UnmarshalJSON decodes the known payload fields and stashes the rest.
func (p *ScanPayload) UnmarshalJSON(data []byte) error {
	var known payloadFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, key := range payloadKeys {
		delete(all, key)
	}
	*p = ScanPayload(known)
	if len(all) > 0 {
		p.Extra = all
	}
	return nil
}

// MarshalJSON writes the known fields merged over Extra.
func (p ScanPayload) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(payloadFields(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return known, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage, len(p.Extra)+len(fields))
	for k, v := range p.Extra {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// IsSubmission reports whether the upload feeds the submission API.
func (r *ScanRequest) IsSubmission() bool {
	return r.Payload.UploadType == UploadTypeSubmission
}
