// Package ipc carries a flash job across a process boundary. The controller
// listens on a Unix socket and the worker dials it; both exchange named
// events encoded as one JSON object per line.
package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fly-io/multiflash/pkg/orchestrator"
)

// Event names.
const (
	EventReady = "ready"
	EventWrite = "write"
	EventLog   = "log"
	EventState = "state"
	EventError = "error"
	EventDone  = "done"
)

// Error codes for errors that are not tied to a device.
const (
	CodeValidation = "validation"
	CodeFault      = "fault"
)

// Envelope is one message on the wire.
type Envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Normalize trims the name and fills an empty payload.
func (e *Envelope) Normalize() {
	if e == nil {
		return
	}
	e.Name = strings.TrimSpace(e.Name)
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		e.Payload = json.RawMessage("{}")
	}
}

// Validate rejects envelopes without a name.
func (e Envelope) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("event name is required")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// WritePayload is the controller's job description.
type WritePayload struct {
	ImagePath              string   `json:"imagePath"`
	Destinations           []string `json:"destinations"`
	UnmountOnSuccess       bool     `json:"unmountOnSuccess"`
	ValidateWriteOnSuccess bool     `json:"validateWriteOnSuccess"`
	ChecksumAlgorithms     []string `json:"checksumAlgorithms"`
}

// NewWritePayload converts a request into its wire form.
func NewWritePayload(req orchestrator.Request) WritePayload {
	return WritePayload{
		ImagePath:              req.ImagePath,
		Destinations:           req.Destinations,
		UnmountOnSuccess:       req.UnmountOnSuccess,
		ValidateWriteOnSuccess: req.Verify,
		ChecksumAlgorithms:     req.ChecksumAlgorithms,
	}
}

// Request converts the payload back into an orchestrator request.
func (p WritePayload) Request() orchestrator.Request {
	return orchestrator.Request{
		ImagePath:          p.ImagePath,
		Destinations:       p.Destinations,
		Verify:             p.ValidateWriteOnSuccess,
		UnmountOnSuccess:   p.UnmountOnSuccess,
		ChecksumAlgorithms: p.ChecksumAlgorithms,
	}
}

// LogPayload is an advisory human-readable line.
type LogPayload struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// ErrorPayload reports a failure. Device is empty for failures of the whole job.
type ErrorPayload struct {
	Device  string `json:"device"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DonePayload carries the final result set.
type DonePayload = orchestrator.Result
