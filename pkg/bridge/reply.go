package bridge

import (
	"encoding/json"
)

// Outcome classifies how one cycle ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeStorageFault  Outcome = "storage_fault"
	OutcomeLaunchFailure Outcome = "launch_failure"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeEmptyResponse Outcome = "empty_response"
)

const (
	MessageLaunchFailure = "Failed to execute worker"
	MessageEmptyResponse = "Empty or missing response"
	MessageTimeout       = "Worker timed out"
	messageStorageFault  = "Failed to write request"
)

// Reply is what a cycle produced for the client. Payload is always safe to
// send: either the worker's sanitized output or a structured error object.
type Reply struct {
	Payload   []byte
	Outcome   Outcome
	RequestID string
	Err       error
}

// Failed reports whether Payload is a structured error.
func (r Reply) Failed() bool {
	return r.Outcome != OutcomeSuccess
}

type errorBody struct {
	Error string `json:"error"`
}

// ErrorPayload renders the {"error": message} object sent to clients.
func ErrorPayload(message string) []byte {
	payload, err := json.Marshal(errorBody{Error: message})
	if err != nil {
		// A struct with one string field always marshals.
		return []byte(`{"error":"internal error"}`)
	}

	return payload
}

func errorReply(outcome Outcome, message string, cause error) Reply {
	return Reply{
		Payload: ErrorPayload(message),
		Outcome: outcome,
		Err:     cause,
	}
}
