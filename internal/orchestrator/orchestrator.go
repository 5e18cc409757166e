package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"graphdeck/internal/advisor"
	"graphdeck/internal/artifacts"
	"graphdeck/internal/bus"
	"graphdeck/internal/protocol"
	"graphdeck/internal/session"
	"graphdeck/internal/supervisor"
)

const defaultBuildTimeout = 30 * time.Second

const defaultPreamble = `You are the coach for a graphbus workspace. You see the
conversation history and a status header on every user turn. Reply with a
single JSON object: {"message": string, "action": string|null, "params":
object, "plan": object|null}. Valid actions: run_command, start_runtime,
stop_runtime, list_nodes, call_node, publish_event, change_directory.
Request at most one action per reply; you will be re-invoked with an
empty user turn after it completes, and can then request the next step.
Reply with neither message nor action when the request is fully
satisfied.`

// Config carries the orchestrator's tunables. The timeout and marker
// defaults mirror the original tool's fixed constants; they are
// parameters here rather than inferred policy.
type Config struct {
	GraphbusBin        string
	RuntimeCommand     string
	BuildTimeout       time.Duration
	BuildSuccessMarker string
	Preamble           string
}

func (c *Config) applyDefaults() {
	if c.GraphbusBin == "" {
		c.GraphbusBin = "graphbus"
	}
	if c.RuntimeCommand == "" {
		c.RuntimeCommand = c.GraphbusBin + " runtime"
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = defaultBuildTimeout
	}
	if c.BuildSuccessMarker == "" {
		c.BuildSuccessMarker = "Build complete"
	}
	if c.Preamble == "" {
		c.Preamble = defaultPreamble
	}
}

// Broadcaster is the slice of the bus server the orchestrator needs.
type Broadcaster interface {
	Broadcast(msg *protocol.Message) int
}

// CredentialStore lets the orchestrator mutate advisory credentials when
// the service rejects them.
type CredentialStore interface {
	SetAPIKey(key string)
	ClearAPIKey()
	HasCredentials() bool
}

// Deps are the collaborators wired in at startup.
type Deps struct {
	Logger      *zap.Logger
	Completer   advisor.Completer
	Credentials CredentialStore // optional
	Commands    *supervisor.Supervisor
	Runtime     *supervisor.Supervisor
	Bus         Broadcaster
	Session     *session.Session
	Watcher     *artifacts.Watcher // optional
}

// Orchestrator drives the workflow: user text in, advisory replies
// parsed, at most one action dispatched per turn, continuation turns
// chained until the advisor has nothing left to say.
type Orchestrator struct {
	cfg  Config
	log  *zap.Logger
	comp advisor.Completer
	cred CredentialStore
	cmd  *supervisor.Supervisor
	rt   *supervisor.Supervisor
	bus  Broadcaster
	sess *session.Session
	wat  *artifacts.Watcher

	// turnMu serializes turn loops; TryLock rejects conflicting input
	// instead of queueing it.
	turnMu sync.Mutex

	promptMu sync.Mutex
	prompts  map[string]*supervisor.Supervisor // question id → owning supervisor

	intentMu   sync.Mutex
	lastIntent string
}

// New wires an orchestrator and derives the starting phase: missing
// credentials beat everything; otherwise prior build artifacts on disk
// put the session straight into built.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:     cfg,
		log:     deps.Logger,
		comp:    deps.Completer,
		cred:    deps.Credentials,
		cmd:     deps.Commands,
		rt:      deps.Runtime,
		bus:     deps.Bus,
		sess:    deps.Session,
		wat:     deps.Watcher,
		prompts: make(map[string]*supervisor.Supervisor),
	}

	if o.cred != nil && !o.cred.HasCredentials() {
		o.sess.SetPhase(session.PhaseAwaitingAPIKey)
	} else if artifacts.Probe(o.sess.WorkDir()) {
		o.sess.SetBuilt(true)
		o.sess.SetPhase(session.PhaseBuilt)
	}

	o.cmd.OnPrompt(func(p supervisor.PromptEvent) { o.onPrompt(o.cmd, p) })
	o.rt.OnPrompt(func(p supervisor.PromptEvent) { o.onPrompt(o.rt, p) })

	return o
}

// Start launches the output-forwarding taps. Command output travels as
// progress, runtime output as agent_message; both are forwarded line by
// line as they arrive, never batched.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.forward(ctx, o.cmd, protocol.TypeProgress)
	go o.forward(ctx, o.rt, protocol.TypeAgentMessage)
}

func (o *Orchestrator) forward(ctx context.Context, sup *supervisor.Supervisor, msgType string) {
	subID, ch, history := sup.Subscribe()
	defer sup.Unsubscribe(subID)

	emit := func(ev supervisor.StreamEvent) {
		var msg *protocol.Message
		var err error
		if msgType == protocol.TypeAgentMessage {
			msg, err = protocol.NewMessage(msgType, protocol.AgentMessagePayload{Text: ev.Text})
		} else {
			msg, err = protocol.NewMessage(msgType, protocol.ProgressPayload{
				RunID:  ev.RunID,
				Stream: string(ev.Stream),
				Text:   ev.Text,
				Seq:    ev.Seq,
			})
		}
		if err != nil {
			return
		}
		o.bus.Broadcast(msg)
	}

	for _, ev := range history {
		emit(ev)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			emit(ev)
		}
	}
}

// HandleInbound routes one validated bus message. Called from the bus
// server's handler goroutine.
func (o *Orchestrator) HandleInbound(conn *bus.Conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeUserMessage:
		var p protocol.UserMessagePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return
		}
		o.onUserMessage(p.Text)

	case protocol.TypeAnswer:
		var p protocol.AnswerPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return
		}
		o.ResolveAnswer(msg.ID, p.Value)
	}
}

func (o *Orchestrator) onUserMessage(text string) {
	// Cancellation must stay responsive while a turn is in flight, so
	// it bypasses the turn loop entirely.
	if isCancelText(text) && o.cmd.Active() {
		o.log.Info("user cancel", zap.String("text", text))
		o.cmd.Cancel()
		o.say("Cancelled the running operation.")
		return
	}

	go o.Converse(context.Background(), text)
}

func isCancelText(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "cancel", "stop", "abort":
		return true
	}
	return false
}

// ResolveAnswer bridges an answer back to the prompting process's
// stdin. Unknown ids are discarded; arrival order is never trusted for
// correlation, only the id.
func (o *Orchestrator) ResolveAnswer(id, value string) {
	o.promptMu.Lock()
	sup, ok := o.prompts[id]
	if ok {
		delete(o.prompts, id)
	}
	o.promptMu.Unlock()

	if !ok {
		o.log.Debug("answer for unknown question", zap.String("id", id))
		return
	}

	if err := sup.SendInput(value); err != nil {
		o.fail(protocol.ErrCodeNoProcess, "The prompting process is no longer running.", err.Error())
	}
}

// PendingPrompts returns outstanding question ids, for status/tests.
func (o *Orchestrator) PendingPrompts() int {
	o.promptMu.Lock()
	defer o.promptMu.Unlock()
	return len(o.prompts)
}

func (o *Orchestrator) onPrompt(sup *supervisor.Supervisor, p supervisor.PromptEvent) {
	msg, err := protocol.NewQuestion(protocol.QuestionPayload{RunID: p.RunID, Prompt: p.Tail})
	if err != nil {
		return
	}

	o.promptMu.Lock()
	o.prompts[msg.ID] = sup
	o.promptMu.Unlock()

	o.log.Info("interactive prompt detected",
		zap.String("runId", p.RunID),
		zap.String("questionId", msg.ID))
	o.bus.Broadcast(msg)
}

// Converse runs the full turn loop for one user request: advisory call,
// at most one action per reply, continuation turns with empty input
// until a reply carries neither message nor action.
func (o *Orchestrator) Converse(ctx context.Context, userText string) {
	if !o.turnMu.TryLock() {
		o.fail(protocol.ErrCodeBusy, "Still working on the previous request.", "")
		return
	}
	defer o.turnMu.Unlock()

	if o.sess.Phase() == session.PhaseAwaitingAPIKey {
		o.configureCredentials(userText)
		return
	}

	o.recordIntent(userText)
	gen := o.sess.Generation()
	input := userText

	for {
		reply, ok := o.turn(ctx, gen, input)
		if !ok {
			return
		}
		if reply.Empty() {
			// Request fully satisfied; halt silently.
			return
		}

		if reply.Message != "" {
			o.say(reply.Message)
		}
		o.applyConfirmationPhase(reply)

		if reply.Action == "" {
			return
		}

		result := o.dispatch(ctx, reply.Action, reply.Params)
		// An action the loop itself issued may move the session on
		// (change_directory bumps the generation); the staleness guard
		// only discards replies from before it.
		gen = o.sess.Generation()
		o.sess.AppendTurn(advisor.RoleNote, describeResult(reply.Action, result))
		o.broadcastResult(result)

		// Continuation trigger: the advisor decides from history alone
		// whether the request has more steps.
		input = ""
	}
}

// turn performs one advisory exchange. ok=false halts the loop (error
// already surfaced, or the session moved on).
func (o *Orchestrator) turn(ctx context.Context, gen uint64, input string) (advisor.Reply, bool) {
	snap := o.sess.Snapshot()
	header := fmt.Sprintf("[status] phase=%s built=%t running=%t dir=%s",
		snap.Phase, snap.Built, snap.Running, snap.WorkDir)

	content := header
	if input != "" {
		content += "\n" + input
	}
	o.sess.AppendTurn(advisor.RoleUser, content)

	raw, err := o.comp.Complete(ctx, o.cfg.Preamble, o.sess.History())
	if err != nil {
		if errors.Is(err, advisor.ErrUnauthorized) {
			if o.cred != nil {
				o.cred.ClearAPIKey()
			}
			o.sess.SetPhase(session.PhaseAwaitingAPIKey)
			o.fail(protocol.ErrCodeUnauthorized,
				"The advisory service rejected the stored credentials. Paste a new API key to continue.",
				err.Error())
			return advisor.Reply{}, false
		}
		// Surfaced once; the loop halts and the phase stays put.
		o.fail(protocol.ErrCodeActionFailed, "The advisory service is unavailable.", err.Error())
		return advisor.Reply{}, false
	}

	if o.sess.Generation() != gen {
		// The session moved on (directory change, reset) while the
		// call was in flight; discard the late reply.
		o.log.Info("discarding stale advisory reply")
		return advisor.Reply{}, false
	}

	o.sess.AppendTurn(advisor.RoleAssistant, raw)
	return advisor.ParseReply(raw), true
}

func (o *Orchestrator) configureCredentials(text string) {
	key := strings.TrimSpace(text)
	if key == "" || o.cred == nil {
		o.say("Paste an API key for the advisory service to continue.")
		return
	}
	o.cred.SetAPIKey(key)
	if o.sess.Built() {
		o.sess.SetPhase(session.PhaseBuilt)
	} else {
		o.sess.SetPhase(session.PhaseInitial)
	}
	o.say("Credentials updated. What would you like to do?")
}

func (o *Orchestrator) recordIntent(text string) {
	lower := strings.ToLower(text)
	o.intentMu.Lock()
	defer o.intentMu.Unlock()
	switch {
	case strings.Contains(lower, "build"):
		o.lastIntent = "build"
	case strings.Contains(lower, "run") || strings.Contains(lower, "start"):
		o.lastIntent = "run"
	}
}

// applyConfirmationPhase moves into an awaiting-confirmation phase when
// the coach answers a build/run intent with a question instead of an
// action.
func (o *Orchestrator) applyConfirmationPhase(reply advisor.Reply) {
	if reply.Action != "" || !strings.HasSuffix(strings.TrimSpace(reply.Message), "?") {
		return
	}
	o.intentMu.Lock()
	intent := o.lastIntent
	o.intentMu.Unlock()

	switch {
	case intent == "build" && o.sess.Phase() == session.PhaseInitial:
		o.sess.SetPhase(session.PhaseAwaitingBuildConfirmation)
	case intent == "run" && o.sess.Phase() == session.PhaseBuilt:
		o.sess.SetPhase(session.PhaseAwaitingRuntimeConfirmation)
	}
}

func (o *Orchestrator) say(text string) {
	msg, err := protocol.NewMessage(protocol.TypeAgentMessage, protocol.AgentMessagePayload{Text: text})
	if err != nil {
		return
	}
	o.bus.Broadcast(msg)
}

func (o *Orchestrator) fail(code, text, detail string) {
	o.log.Warn("surfacing failure", zap.String("code", code), zap.String("detail", detail))
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: text,
		Detail:  detail,
	})
	if err != nil {
		return
	}
	o.bus.Broadcast(msg)
}

func (o *Orchestrator) broadcastResult(result protocol.ResultPayload) {
	msg, err := protocol.NewMessage(protocol.TypeResult, result)
	if err != nil {
		return
	}
	o.bus.Broadcast(msg)
}

func describeResult(action string, result protocol.ResultPayload) string {
	if result.Success {
		return fmt.Sprintf("action %s completed successfully: %s", action, result.Result)
	}
	return fmt.Sprintf("action %s failed: %s", action, result.Error)
}

// Status reports the session snapshot, for the bus /status endpoint.
func (o *Orchestrator) Status() interface{} {
	return o.sess.Snapshot()
}

// OnArtifactsChanged is the artifact watcher's callback: the external
// CLI rewrote something under the artifact dir, so refresh the build
// flag and tell the UI views.
func (o *Orchestrator) OnArtifactsChanged(workDir string, arts *artifacts.Artifacts) {
	if workDir != o.sess.WorkDir() {
		// Stale callback from before a directory change.
		return
	}

	text := "artifacts updated"
	if arts.Graph != nil {
		o.sess.SetBuilt(true)
		if o.sess.Phase() == session.PhaseInitial {
			o.sess.SetPhase(session.PhaseBuilt)
		}
		text = fmt.Sprintf("graph updated: %d nodes, %d edges",
			len(arts.Graph.Nodes), len(arts.Graph.Edges))
	}

	msg, err := protocol.NewMessage(protocol.TypeProgress, protocol.ProgressPayload{
		Stage: "artifacts",
		Text:  text,
	})
	if err != nil {
		return
	}
	o.bus.Broadcast(msg)
}
