package protocol

import (
	"encoding/json"
	"fmt"
)

// validInboundTypes is the set of allowed UI→server message types.
var validInboundTypes = map[string]bool{
	TypeUserMessage: true,
	TypeAnswer:      true,
}

// ValidateInbound validates a raw JSON message received from a UI view.
// Returns the parsed Message and any validation error.
func ValidateInbound(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validInboundTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Data == nil {
		return nil, fmt.Errorf("missing 'data' field")
	}

	switch msg.Type {
	case TypeUserMessage:
		var p UserMessagePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, fmt.Errorf("invalid data for %s: %w", msg.Type, err)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("missing required field 'text' in %s data", msg.Type)
		}

	case TypeAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, fmt.Errorf("invalid data for %s: %w", msg.Type, err)
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("missing required field 'id' in %s message", msg.Type)
		}
	}

	return &msg, nil
}
