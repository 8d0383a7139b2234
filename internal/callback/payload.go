package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payload is the completion notice the generation provider posts back once
// a job finishes. Succeeded carries the downloadable result URL.
type Payload struct {
	JobID     string `json:"generation_id"`
	Status    string `json:"status"`
	ResultURL string `json:"video_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Succeeded reports whether the payload announces a completed generation.
func (p Payload) Succeeded() bool {
	switch strings.ToLower(p.Status) {
	case "completed", "succeeded", "success":
		return true
	}
	return false
}

// ParsePayload decodes and validates a callback body. Call it only after
// the raw bytes passed signature verification.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode callback payload: %w", err)
	}
	if strings.TrimSpace(p.JobID) == "" {
		return Payload{}, errors.New("callback payload missing generation id")
	}
	if strings.TrimSpace(p.Status) == "" {
		return Payload{}, errors.New("callback payload missing status")
	}
	if p.Succeeded() && strings.TrimSpace(p.ResultURL) == "" {
		return Payload{}, errors.New("completed callback missing video url")
	}
	return p, nil
}
