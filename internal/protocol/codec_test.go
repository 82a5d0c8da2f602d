package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestWriteReadJobStart(t *testing.T) {
	original := NewJobStart("job-1", JobStart{
		Code:       "export default async function (input) {}",
		InputJSON:  `{"eventId":"evt_1"}`,
		ScriptType: "ScheduledTask",
		DeadlineMS: 5000,
	})

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Type != TypeJobStart {
		t.Errorf("Type = %q, want %q", decoded.Type, TypeJobStart)
	}
	if decoded.JobID != "job-1" {
		t.Errorf("JobID = %q, want %q", decoded.JobID, "job-1")
	}
	if decoded.Job == nil {
		t.Fatal("Job is nil")
	}
	if decoded.Job.Code != original.Job.Code {
		t.Errorf("Code = %q, want %q", decoded.Job.Code, original.Job.Code)
	}
	if decoded.Job.InputJSON != original.Job.InputJSON {
		t.Errorf("InputJSON = %q, want %q", decoded.Job.InputJSON, original.Job.InputJSON)
	}
	if decoded.Job.DeadlineMS != 5000 {
		t.Errorf("DeadlineMS = %d, want 5000", decoded.Job.DeadlineMS)
	}
	if err := decoded.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestWriteReadActionResponse(t *testing.T) {
	original := NewActionResponse("job-2", ActionResponse{
		ID:     "7",
		Result: json.RawMessage(`{"id":"um_1","status":"created"}`),
	})

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Response == nil {
		t.Fatal("Response is nil")
	}
	if decoded.Response.ID != "7" {
		t.Errorf("ID = %q, want %q", decoded.Response.ID, "7")
	}
	if !bytes.Equal(decoded.Response.Result, original.Response.Result) {
		t.Errorf("Result = %s, want %s", decoded.Response.Result, original.Response.Result)
	}
	if decoded.Response.Error != "" {
		t.Errorf("Error = %q, want empty", decoded.Response.Error)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var m Message
	if err := ReadMessage(buf, &m); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0x7B, 0x7D})

	var m Message
	if err := ReadMessage(&buf, &m); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var m Message
	err := ReadMessage(&buf, &m)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestWriteMessageOversized(t *testing.T) {
	big := NewJobStart("job-3", JobStart{Code: string(bytes.Repeat([]byte("a"), MaxMessageSize))})

	var buf bytes.Buffer
	err := WriteMessage(&buf, &big)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for a rejected frame", buf.Len())
	}
}
