package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message is the envelope for everything that crosses the local bus.
// ID is set only on messages that need correlation (questions and their
// answers).
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	ID   string          `json:"id,omitempty"`
}

// Message types carried on the bus.
const (
	TypeAgentMessage = "agent_message"
	TypeProgress     = "progress"
	TypeQuestion     = "question"
	TypeError        = "error"
	TypeResult       = "result"
	TypeUserMessage  = "user_message"
	TypeAnswer       = "answer"
)

// Error codes.
const (
	ErrCodeBusy           = "BUSY"
	ErrCodeSpawnFailed    = "SPAWN_FAILED"
	ErrCodeNoProcess      = "NO_PROCESS"
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeActionFailed   = "ACTION_FAILED"
)

// NewMessage creates a message with a marshaled data object.
func NewMessage(msgType string, data interface{}) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return &Message{Type: msgType, Data: raw}, nil
}

// NewQuestion creates a question message with a fresh correlation id.
func NewQuestion(data interface{}) (*Message, error) {
	msg, err := NewMessage(TypeQuestion, data)
	if err != nil {
		return nil, err
	}
	msg.ID = uuid.New().String()
	return msg, nil
}

// NewAnswer creates an answer message referencing a question id.
func NewAnswer(id, value string) (*Message, error) {
	msg, err := NewMessage(TypeAnswer, AnswerPayload{Value: value})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewError creates an error message ready to send.
func NewError(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{Code: code, Message: message})
}

// Outbound payloads.

type AgentMessagePayload struct {
	Text string `json:"text"`
}

// ProgressPayload carries one line of supervised process output, or a
// free-form stage notice when Stream is empty.
type ProgressPayload struct {
	RunID  string `json:"runId,omitempty"`
	Stream string `json:"stream,omitempty"` // "stdout" | "stderr"
	Text   string `json:"text"`
	Seq    uint64 `json:"seq,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

// QuestionPayload is emitted when the supervisor detects an interactive
// prompt in subprocess output.
type QuestionPayload struct {
	RunID  string `json:"runId"`
	Prompt string `json:"prompt"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ResultPayload is the uniform shape every dispatched action reports.
type ResultPayload struct {
	Action  string `json:"action,omitempty"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Inbound payloads.

type UserMessagePayload struct {
	Text string `json:"text"`
}

type AnswerPayload struct {
	Value string `json:"value"`
}
