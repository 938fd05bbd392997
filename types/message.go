package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MessageKind identifies the variant of a Message.
type MessageKind string

const (
	KindRegister MessageKind = "register"
	KindProgress MessageKind = "progress"
	KindFailure  MessageKind = "failure"
	KindComplete MessageKind = "complete"
	KindSummary  MessageKind = "summary"
	KindError    MessageKind = "error"
)

// TestStatus represents the outcome of a single test example.
type TestStatus string

const (
	TestStatusPassed  TestStatus = "passed"
	TestStatusFailed  TestStatus = "failed"
	TestStatusPending TestStatus = "pending"
)

// TestResult captures the outcome of one test example as reported by a worker.
type TestResult struct {
	Status      TestStatus `json:"status"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
}

// FailedExample is one failing example carried inside a SummaryPayload.
type FailedExample struct {
	Description string `json:"description"`
	Location    string `json:"location"`
	Message     string `json:"message"`
}

// SummaryPayload is the per-worker end-of-run summary. Duration is in seconds,
// matching the wire format used by the workers.
type SummaryPayload struct {
	WorkerID       int             `json:"worker_id"`
	TotalExamples  int             `json:"total_examples"`
	FailedExamples []FailedExample `json:"failed_examples"`
	PendingCount   int             `json:"pending_count"`
	Duration       float64         `json:"duration"`
}

// Message is the canonical tagged union exchanged between workers and the
// coordinator. Which fields are meaningful depends on Kind:
//
//	register: WorkerID, TotalTests
//	progress: WorkerID, CurrentTest, ProgressPercent, optional TestResult
//	failure:  WorkerID, Description, Location, FailureMessage, Backtrace
//	complete: WorkerID
//	summary:  WorkerID, Summary
//	error:    Reason
//
// Inbound payloads are normalized into this shape once at the transport
// boundary; everything downstream switches on Kind.
type Message struct {
	Kind            MessageKind     `json:"kind"`
	WorkerID        int             `json:"worker_id,omitempty"`
	TotalTests      int             `json:"total_tests,omitempty"`
	CurrentTest     int             `json:"current_test,omitempty"`
	ProgressPercent int             `json:"progress_percent,omitempty"`
	TestResult      *TestResult     `json:"test_result,omitempty"`
	Description     string          `json:"description,omitempty"`
	Location        string          `json:"location,omitempty"`
	FailureMessage  string          `json:"message,omitempty"`
	Backtrace       string          `json:"backtrace,omitempty"`
	Summary         *SummaryPayload `json:"summary,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// NewErrorMessage builds a synthetic error message, used by the transports to
// surface undecodable payloads to the operator without dropping them silently.
func NewErrorMessage(reason string) Message {
	return Message{Kind: KindError, Reason: reason}
}

// Encode serializes the message to its canonical single-line JSON form.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses one JSON-encoded message. Workers built against older
// adapters emit camelCase or PascalCase keys and occasionally stringified
// integers, so every key is folded to snake_case and numeric fields accept
// both forms before the canonical Message is populated.
func DecodeMessage(data []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("invalid message payload: %w", err)
	}

	fields := normalizeKeys(raw)

	kind, ok := fields["kind"].(string)
	if !ok || kind == "" {
		return Message{}, fmt.Errorf("message missing kind field")
	}

	msg := Message{
		Kind:            MessageKind(strings.ToLower(kind)),
		WorkerID:        intField(fields, "worker_id"),
		TotalTests:      intField(fields, "total_tests"),
		CurrentTest:     intField(fields, "current_test"),
		ProgressPercent: intField(fields, "progress_percent"),
		Description:     stringField(fields, "description"),
		Location:        stringField(fields, "location"),
		FailureMessage:  stringField(fields, "message"),
		Backtrace:       stringField(fields, "backtrace"),
		Reason:          stringField(fields, "reason"),
	}

	if tr, ok := fields["test_result"].(map[string]any); ok {
		tr = normalizeKeys(tr)
		msg.TestResult = &TestResult{
			Status:      TestStatus(strings.ToLower(stringField(tr, "status"))),
			Description: stringField(tr, "description"),
			Location:    stringField(tr, "location"),
		}
	}

	if sm, ok := fields["summary"].(map[string]any); ok {
		sm = normalizeKeys(sm)
		payload := &SummaryPayload{
			WorkerID:      intField(sm, "worker_id"),
			TotalExamples: intField(sm, "total_examples"),
			PendingCount:  intField(sm, "pending_count"),
			Duration:      floatField(sm, "duration"),
		}
		if list, ok := sm["failed_examples"].([]any); ok {
			for _, entry := range list {
				fe, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				fe = normalizeKeys(fe)
				payload.FailedExamples = append(payload.FailedExamples, FailedExample{
					Description: stringField(fe, "description"),
					Location:    stringField(fe, "location"),
					Message:     stringField(fe, "message"),
				})
			}
		}
		msg.Summary = payload
	}

	return msg, nil
}

// normalizeKeys folds every top-level key to snake_case.
func normalizeKeys(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[toSnakeCase(k)] = v
	}
	return out
}

// toSnakeCase converts camelCase and PascalCase identifiers to snake_case.
// Keys already in snake_case pass through unchanged.
func toSnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '_' {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

func floatField(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
