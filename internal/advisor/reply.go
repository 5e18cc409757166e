package advisor

import (
	"encoding/json"
	"strings"
)

// Action vocabulary the advisory service may request. Exactly one action
// per reply is honored; compound requests are realized by the
// orchestrator chaining continuation turns.
const (
	ActionRunCommand      = "run_command"
	ActionStartRuntime    = "start_runtime"
	ActionStopRuntime     = "stop_runtime"
	ActionListNodes       = "list_nodes"
	ActionCallNode        = "call_node"
	ActionPublishEvent    = "publish_event"
	ActionChangeDirectory = "change_directory"
)

// KnownAction reports whether name is in the fixed vocabulary.
func KnownAction(name string) bool {
	switch name {
	case ActionRunCommand, ActionStartRuntime, ActionStopRuntime,
		ActionListNodes, ActionCallNode, ActionPublishEvent,
		ActionChangeDirectory:
		return true
	}
	return false
}

// Reply is the structured outcome of one advisory-service response:
// a coaching message, at most one action, and its parameters.
type Reply struct {
	Message string            `json:"message"`
	Action  string            `json:"action"`
	Params  map[string]string `json:"params"`
	Plan    *Plan             `json:"plan,omitempty"`
}

// Empty reports a reply with neither message nor action; the
// continuation loop halts on it.
func (r Reply) Empty() bool { return r.Message == "" && r.Action == "" }

// Plan is an optional proposed workflow the service may attach.
type Plan struct {
	Name   string            `json:"name"`
	Intent string            `json:"intent"`
	Nodes  []PlanNode        `json:"nodes"`
	Topics map[string]string `json:"topics"`
	Stages []PlanStage       `json:"stages"`
}

// PlanNode is one proposed unit of work.
type PlanNode struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Topics      []string `json:"topics"`
}

// PlanStage is one ordered workflow step. Either Command or Commands is
// set depending on how the service phrased it.
type PlanStage struct {
	Name        string   `json:"name"`
	Command     string   `json:"command,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	Description string   `json:"description"`
}

// CommandList returns the stage's commands regardless of which field the
// service used.
func (s PlanStage) CommandList() []string {
	if len(s.Commands) > 0 {
		return s.Commands
	}
	if s.Command != "" {
		return []string{s.Command}
	}
	return nil
}

// ParseReply turns raw advisory-service text into a Reply. Enclosing
// code fences are stripped first. Anything that does not parse as the
// expected JSON object degrades to a plain coaching message with no
// action; a malformed reply never fails the turn.
func ParseReply(raw string) Reply {
	text := stripFences(raw)

	if !strings.Contains(text, "{") {
		return plainMessage(raw)
	}

	var reply Reply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return plainMessage(raw)
	}

	// Unknown action names are clamped away rather than dispatched.
	if reply.Action != "" && !KnownAction(reply.Action) {
		if reply.Message == "" {
			reply.Message = raw
		}
		reply.Action = ""
	}

	if reply.Params == nil {
		reply.Params = map[string]string{}
	}
	return reply
}

func plainMessage(raw string) Reply {
	return Reply{
		Message: strings.TrimSpace(raw),
		Params:  map[string]string{},
	}
}

// stripFences removes an enclosing ``` or ```json block.
func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
