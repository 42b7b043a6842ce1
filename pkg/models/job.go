package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// SentinelOutcome is the result recorded when the recognition step fails
const SentinelOutcome = "Unknown"

// JobMessage is the body of a job submission queue message
type JobMessage struct {
	JobID       string    `json:"job_id"`
	PayloadRef  string    `json:"payload_ref"`
	EnqueueTime time.Time `json:"enqueue_time,omitempty"`
}

// Encode serializes the message for the request queue
func (m JobMessage) Encode() ([]byte, error) {
	if m.JobID == "" {
		return nil, fmt.Errorf("job message: empty job_id")
	}
	if m.PayloadRef == "" {
		return nil, fmt.Errorf("job message %s: empty payload_ref", m.JobID)
	}
	return json.Marshal(m)
}

// DecodeJobMessage parses a request queue body.
// A plain-text body is accepted as a bare payload reference, with the job id
// taken from the reference's file name stem.
func DecodeJobMessage(body []byte) (JobMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return JobMessage{}, fmt.Errorf("empty job message")
	}

	if trimmed[0] != '{' {
		ref := string(trimmed)
		return JobMessage{JobID: Stem(ref), PayloadRef: ref}, nil
	}

	var m JobMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return JobMessage{}, fmt.Errorf("failed to decode job message: %w", err)
	}
	if m.PayloadRef == "" {
		return JobMessage{}, fmt.Errorf("job message %q has no payload_ref", m.JobID)
	}
	if m.JobID == "" {
		m.JobID = Stem(m.PayloadRef)
	}
	return m, nil
}

// ResultMessage is the body of a result channel notification
type ResultMessage struct {
	JobID        string    `json:"job_id"`
	Outcome      string    `json:"outcome"`
	ProducedTime time.Time `json:"produced_time,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"`
}

// Encode serializes the notification for the result queue
func (m ResultMessage) Encode() ([]byte, error) {
	if m.JobID == "" {
		return nil, fmt.Errorf("result message: empty job_id")
	}
	return json.Marshal(m)
}

// DecodeResultMessage parses a result queue body
func DecodeResultMessage(body []byte) (ResultMessage, error) {
	var m ResultMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return ResultMessage{}, fmt.Errorf("failed to decode result message: %w", err)
	}
	if m.JobID == "" {
		return ResultMessage{}, fmt.Errorf("result message has no job_id")
	}
	return m, nil
}

// Result is the outcome returned to a dispatch caller
type Result struct {
	JobID        string        `json:"job_id"`
	Outcome      string        `json:"outcome"`
	ProducedTime time.Time     `json:"produced_time"`
	Latency      time.Duration `json:"latency"`
}

// Stem returns the base name of ref without its extension
func Stem(ref string) string {
	base := path.Base(strings.ReplaceAll(ref, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
