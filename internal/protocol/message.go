package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the discriminant of a Message.
type MessageType string

// Message types. JOB_START and ACTION_RESPONSE flow host→worker;
// ACTION_REQUEST and EXECUTION_RESULT flow worker→host.
const (
	TypeJobStart        MessageType = "JOB_START"
	TypeActionRequest   MessageType = "ACTION_REQUEST"
	TypeActionResponse  MessageType = "ACTION_RESPONSE"
	TypeExecutionResult MessageType = "EXECUTION_RESULT"
)

// Status is the terminal status of a job.
type Status string

// Terminal job statuses.
const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// ErrorKind classifies a failed job.
type ErrorKind string

// Error kinds reported in an ExecutionResult.
const (
	KindScript   ErrorKind = "script"
	KindSecurity ErrorKind = "security"
	KindTimeout  ErrorKind = "timeout"
	KindChannel  ErrorKind = "channel"
)

// ErrInvalidMessage is returned by Validate when the payload does not match the type.
var ErrInvalidMessage = errors.New("invalid message")

// JobStart asks a worker to run one script to completion.
type JobStart struct {
	Code       string `json:"code"`
	InputJSON  string `json:"input_json"`
	ScriptType string `json:"script_type"`
	Trigger    string `json:"trigger,omitempty"`
	DeadlineMS int64  `json:"deadline_ms"`
}

// ActionRequest is a host API call issued by a running script.
type ActionRequest struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ActionResponse answers the ActionRequest with the same ID. Exactly one of
// Result and Error is meaningful; an empty Error means success.
type ActionResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ExecutionResult is the terminal outcome of a job.
type ExecutionResult struct {
	Status Status    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Kind   ErrorKind `json:"kind,omitempty"`
}

// Success reports a successful job.
func Success() ExecutionResult {
	return ExecutionResult{Status: StatusSuccess}
}

// Failure reports a failed job of the given kind.
func Failure(kind ErrorKind, msg string) ExecutionResult {
	return ExecutionResult{Status: StatusError, Error: msg, Kind: kind}
}

// OK reports whether the result is a success.
func (r ExecutionResult) OK() bool {
	return r.Status == StatusSuccess
}

// Message is the envelope for every frame exchanged with a worker. JobID scopes
// the message to one job so that a long-lived stream behaves as a dedicated
// channel per job; exactly one payload field is set, matching Type.
type Message struct {
	Type     MessageType      `json:"type"`
	JobID    string           `json:"job_id"`
	Job      *JobStart        `json:"job,omitempty"`
	Request  *ActionRequest   `json:"request,omitempty"`
	Response *ActionResponse  `json:"response,omitempty"`
	Result   *ExecutionResult `json:"result,omitempty"`
}

// NewJobStart wraps a JobStart for the given job.
func NewJobStart(jobID string, job JobStart) Message {
	return Message{Type: TypeJobStart, JobID: jobID, Job: &job}
}

// NewActionRequest wraps an ActionRequest for the given job.
func NewActionRequest(jobID string, req ActionRequest) Message {
	return Message{Type: TypeActionRequest, JobID: jobID, Request: &req}
}

// NewActionResponse wraps an ActionResponse for the given job.
func NewActionResponse(jobID string, resp ActionResponse) Message {
	return Message{Type: TypeActionResponse, JobID: jobID, Response: &resp}
}

// NewExecutionResult wraps an ExecutionResult for the given job.
func NewExecutionResult(jobID string, res ExecutionResult) Message {
	return Message{Type: TypeExecutionResult, JobID: jobID, Result: &res}
}

// Validate checks that exactly the payload matching Type is present.
func (m Message) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidMessage)
	}

	set := 0
	for _, present := range []bool{m.Job != nil, m.Request != nil, m.Response != nil, m.Result != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %s carries %d payloads", ErrInvalidMessage, m.Type, set)
	}

	switch m.Type {
	case TypeJobStart:
		if m.Job == nil {
			return fmt.Errorf("%w: %s without job", ErrInvalidMessage, m.Type)
		}
	case TypeActionRequest:
		if m.Request == nil {
			return fmt.Errorf("%w: %s without request", ErrInvalidMessage, m.Type)
		}
		if m.Request.ID == "" || m.Request.Method == "" {
			return fmt.Errorf("%w: request needs id and method", ErrInvalidMessage)
		}
	case TypeActionResponse:
		if m.Response == nil {
			return fmt.Errorf("%w: %s without response", ErrInvalidMessage, m.Type)
		}
		if m.Response.ID == "" {
			return fmt.Errorf("%w: response needs id", ErrInvalidMessage)
		}
	case TypeExecutionResult:
		if m.Result == nil {
			return fmt.Errorf("%w: %s without result", ErrInvalidMessage, m.Type)
		}
		if m.Result.Status != StatusSuccess && m.Result.Status != StatusError {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, m.Result.Status)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}
