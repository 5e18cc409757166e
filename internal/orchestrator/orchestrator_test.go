package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphdeck/internal/advisor"
	"graphdeck/internal/protocol"
	"graphdeck/internal/session"
	"graphdeck/internal/supervisor"
)

// scriptedAdvisor plays back canned replies and records each request's
// turn history.
type scriptedAdvisor struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests [][]advisor.Turn
	block    chan struct{} // when set, Complete waits on it
}

func (s *scriptedAdvisor) Complete(ctx context.Context, system string, turns []advisor.Turn) (string, error) {
	s.mu.Lock()
	copied := make([]advisor.Turn, len(turns))
	copy(copied, turns)
	s.requests = append(s.requests, copied)
	s.mu.Unlock()

	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return `{"message":"","action":null}`, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func (s *scriptedAdvisor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedAdvisor) request(i int) []advisor.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// captureBus records everything broadcast.
type captureBus struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (b *captureBus) Broadcast(msg *protocol.Message) int {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
	return 1
}

func (b *captureBus) byType(msgType string) []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*protocol.Message
	for _, m := range b.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakeCreds struct {
	mu      sync.Mutex
	key     string
	cleared int
}

func (f *fakeCreds) SetAPIKey(key string) {
	f.mu.Lock()
	f.key = key
	f.mu.Unlock()
}

func (f *fakeCreds) ClearAPIKey() {
	f.mu.Lock()
	f.key = ""
	f.cleared++
	f.mu.Unlock()
}

func (f *fakeCreds) HasCredentials() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key != ""
}

type fixture struct {
	orch *Orchestrator
	adv  *scriptedAdvisor
	bus  *captureBus
	sess *session.Session
}

func newFixture(t *testing.T, cfg Config, adv *scriptedAdvisor, creds CredentialStore) *fixture {
	t.Helper()
	b := &captureBus{}
	sess := session.New(t.TempDir())
	orch := New(cfg, Deps{
		Logger:      zap.NewNop(),
		Completer:   adv,
		Credentials: creds,
		Commands:    supervisor.New(zap.NewNop()),
		Runtime:     supervisor.New(zap.NewNop()),
		Bus:         b,
		Session:     sess,
	})
	return &fixture{orch: orch, adv: adv, bus: b, sess: sess}
}

func lastUserTurn(turns []advisor.Turn) advisor.Turn {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == advisor.RoleUser {
			return turns[i]
		}
	}
	return advisor.Turn{}
}

func TestConverse_CompoundRequestChainsViaContinuation(t *testing.T) {
	adv := &scriptedAdvisor{replies: []string{
		`{"message":"Building the graph.","action":"run_command","params":{"command":"echo Build complete"}}`,
		"```json\n{\"message\":\"Now negotiating.\",\"action\":\"run_command\",\"params\":{\"command\":\"echo negotiation finished\"}}\n```",
		`{"message":"","action":null}`,
	}}
	f := newFixture(t, Config{}, adv, nil)

	f.orch.Converse(context.Background(), "build then negotiate")

	// Three advisory calls: user turn, continuation, final empty halt.
	require.Equal(t, 3, adv.calls())

	// The continuation turn carries only the status header, no new user
	// text.
	cont := lastUserTurn(adv.request(1))
	assert.True(t, strings.HasPrefix(cont.Content, "[status]"))
	assert.NotContains(t, cont.Content, "\n")

	// Both commands ran and reported success.
	results := f.bus.byType(protocol.TypeResult)
	require.Len(t, results, 2)
	for _, msg := range results {
		var p protocol.ResultPayload
		require.NoError(t, json.Unmarshal(msg.Data, &p))
		assert.True(t, p.Success)
		assert.Equal(t, advisor.ActionRunCommand, p.Action)
	}

	// The build-success marker flipped the session to built.
	assert.True(t, f.sess.Built())
	assert.Equal(t, session.PhaseBuilt, f.sess.Phase())

	// Outcome notes landed in history for the advisor to see.
	var notes int
	for _, turn := range f.sess.History() {
		if turn.Role == advisor.RoleNote {
			notes++
		}
	}
	assert.Equal(t, 2, notes)
}

func TestConverse_PlainProseSurfacedVerbatim(t *testing.T) {
	prose := "I can build the graph or start the runtime. Which do you want?"
	adv := &scriptedAdvisor{replies: []string{prose}}
	f := newFixture(t, Config{}, adv, nil)

	f.orch.Converse(context.Background(), "help")

	require.Equal(t, 1, adv.calls())
	coaching := f.bus.byType(protocol.TypeAgentMessage)
	require.Len(t, coaching, 1)

	var p protocol.AgentMessagePayload
	require.NoError(t, json.Unmarshal(coaching[0].Data, &p))
	assert.Equal(t, prose, p.Text)
	assert.Empty(t, f.bus.byType(protocol.TypeResult))
}

func TestConverse_EmptyReplyHaltsSilently(t *testing.T) {
	adv := &scriptedAdvisor{replies: []string{`{"message":"","action":null}`}}
	f := newFixture(t, Config{}, adv, nil)

	f.orch.Converse(context.Background(), "anything")

	assert.Equal(t, 1, adv.calls())
	assert.Empty(t, f.bus.byType(protocol.TypeAgentMessage))
	assert.Empty(t, f.bus.byType(protocol.TypeResult))
}

func TestConverse_AdvisorErrorSurfacedOnceAndHalts(t *testing.T) {
	adv := &scriptedAdvisor{err: fmt.Errorf("connection refused")}
	f := newFixture(t, Config{}, adv, nil)
	f.sess.SetPhase(session.PhaseBuilt)

	f.orch.Converse(context.Background(), "list the nodes")

	require.Equal(t, 1, adv.calls())
	errs := f.bus.byType(protocol.TypeError)
	require.Len(t, errs, 1)
	// Last good phase is kept.
	assert.Equal(t, session.PhaseBuilt, f.sess.Phase())
}

func TestConverse_UnauthorizedForcesReconfiguration(t *testing.T) {
	creds := &fakeCreds{key: "stale"}
	adv := &scriptedAdvisor{err: fmt.Errorf("%w: bad key", advisor.ErrUnauthorized)}
	f := newFixture(t, Config{}, adv, creds)

	f.orch.Converse(context.Background(), "build it")

	assert.Equal(t, session.PhaseAwaitingAPIKey, f.sess.Phase())
	assert.False(t, creds.HasCredentials())
	assert.Equal(t, 1, creds.cleared)

	// The next user message is treated as the replacement key.
	f.orch.Converse(context.Background(), "sk-new-key")
	assert.True(t, creds.HasCredentials())
	assert.Equal(t, session.PhaseInitial, f.sess.Phase())
}

func TestConverse_BusyWhileTurnInFlight(t *testing.T) {
	adv := &scriptedAdvisor{block: make(chan struct{})}
	f := newFixture(t, Config{}, adv, nil)

	done := make(chan struct{})
	go func() {
		f.orch.Converse(context.Background(), "long request")
		close(done)
	}()

	// Wait until the first turn is inside the advisory call.
	require.Eventually(t, func() bool {
		return adv.calls() == 1
	}, time.Second, 10*time.Millisecond)

	f.orch.Converse(context.Background(), "another request")

	errs := f.bus.byType(protocol.TypeError)
	require.NotEmpty(t, errs)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Data, &p))
	assert.Equal(t, protocol.ErrCodeBusy, p.Code)

	close(adv.block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never finished")
	}
}

func TestConverse_ContinuationSurvivesDirectoryChange(t *testing.T) {
	newDir := t.TempDir()
	adv := &scriptedAdvisor{replies: []string{
		fmt.Sprintf(`{"message":"Switching over.","action":"change_directory","params":{"path":%q}}`, newDir),
		`{"message":"Building here.","action":"run_command","params":{"command":"echo Build complete"}}`,
		`{"message":"","action":null}`,
	}}
	f := newFixture(t, Config{}, adv, nil)

	f.orch.Converse(context.Background(), "switch to the new project then build")

	// The directory change resets the session, but the loop's own
	// continuation must keep going: three advisory calls, two actions.
	require.Equal(t, 3, adv.calls())
	results := f.bus.byType(protocol.TypeResult)
	require.Len(t, results, 2)
	for _, msg := range results {
		var p protocol.ResultPayload
		require.NoError(t, json.Unmarshal(msg.Data, &p))
		assert.True(t, p.Success, p.Error)
	}

	assert.Equal(t, newDir, f.sess.WorkDir())
	assert.True(t, f.sess.Built())
	assert.Equal(t, session.PhaseBuilt, f.sess.Phase())
}

func TestDispatch_RunCommandTimeout(t *testing.T) {
	adv := &scriptedAdvisor{}
	f := newFixture(t, Config{BuildTimeout: 200 * time.Millisecond}, adv, nil)

	result := f.orch.dispatch(context.Background(), advisor.ActionRunCommand,
		map[string]string{"command": "sleep 5"})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
}

func TestDispatch_RunCommandMissingParam(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedAdvisor{}, nil)
	result := f.orch.dispatch(context.Background(), advisor.ActionRunCommand, map[string]string{})
	assert.False(t, result.Success)
}

func TestDispatch_StartRuntimeRequiresBuild(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedAdvisor{}, nil)
	result := f.orch.dispatch(context.Background(), advisor.ActionStartRuntime, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "build")
}

func TestDispatch_StopRuntimeWhenIdle(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedAdvisor{}, nil)
	result := f.orch.dispatch(context.Background(), advisor.ActionStopRuntime, nil)
	assert.False(t, result.Success)
}

func TestDispatch_RuntimeLifecycle(t *testing.T) {
	f := newFixture(t, Config{RuntimeCommand: "sleep 30"}, &scriptedAdvisor{}, nil)
	f.sess.SetBuilt(true)
	f.sess.SetPhase(session.PhaseBuilt)

	result := f.orch.dispatch(context.Background(), advisor.ActionStartRuntime, nil)
	require.True(t, result.Success, result.Error)
	assert.True(t, f.sess.Running())
	assert.Equal(t, session.PhaseReady, f.sess.Phase())

	// Second start conflicts.
	again := f.orch.dispatch(context.Background(), advisor.ActionStartRuntime, nil)
	assert.False(t, again.Success)

	stop := f.orch.dispatch(context.Background(), advisor.ActionStopRuntime, nil)
	require.True(t, stop.Success)
	assert.False(t, f.sess.Running())
	assert.Equal(t, session.PhaseBuilt, f.sess.Phase())
}

func TestDispatch_ListNodesFromArtifacts(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedAdvisor{}, nil)

	dir := f.sess.WorkDir()
	require.NoError(t, os.MkdirAll(dir+"/.graphbus", 0o755))
	require.NoError(t, os.WriteFile(dir+"/.graphbus/graph.json",
		[]byte(`{"nodes":[{"name":"RoomManager"},{"name":"ConversationAgent"}],"edges":[]}`), 0o644))

	result := f.orch.dispatch(context.Background(), advisor.ActionListNodes, nil)
	require.True(t, result.Success)
	assert.Equal(t, "RoomManager, ConversationAgent", result.Result)
}

func TestDispatch_ChangeDirectoryReprobes(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedAdvisor{}, nil)
	f.sess.AppendTurn(advisor.RoleUser, "stale history")

	newDir := t.TempDir()
	require.NoError(t, os.MkdirAll(newDir+"/.graphbus", 0o755))
	require.NoError(t, os.WriteFile(newDir+"/.graphbus/graph.json",
		[]byte(`{"nodes":[],"edges":[]}`), 0o644))

	result := f.orch.dispatch(context.Background(), advisor.ActionChangeDirectory,
		map[string]string{"path": newDir})
	require.True(t, result.Success)

	assert.Equal(t, newDir, f.sess.WorkDir())
	assert.Empty(t, f.sess.History())
	assert.True(t, f.sess.Built())
	assert.Equal(t, session.PhaseBuilt, f.sess.Phase())
}

func TestDispatch_ChangeDirectoryInvalid(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedAdvisor{}, nil)
	result := f.orch.dispatch(context.Background(), advisor.ActionChangeDirectory,
		map[string]string{"path": "/nonexistent/xyz"})
	assert.False(t, result.Success)
}

func TestPromptBridging_AnswerForwardedToStdin(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedAdvisor{}, nil)

	run, err := f.orch.cmd.Run(context.Background(),
		`echo "Choose: A or B?"; head -n1`, os.TempDir())
	require.NoError(t, err)

	// The detected prompt becomes a broadcast question.
	var question *protocol.Message
	require.Eventually(t, func() bool {
		qs := f.bus.byType(protocol.TypeQuestion)
		if len(qs) == 0 {
			return false
		}
		question = qs[0]
		return true
	}, 5*time.Second, 20*time.Millisecond)
	require.NotEmpty(t, question.ID)
	assert.Equal(t, 1, f.orch.PendingPrompts())

	// Unknown ids are inert.
	f.orch.ResolveAnswer("bogus-id", "A")
	assert.Equal(t, 1, f.orch.PendingPrompts())

	// The matching id forwards the value to the process's stdin.
	f.orch.ResolveAnswer(question.ID, "A")
	assert.Equal(t, 0, f.orch.PendingPrompts())

	select {
	case outcome := <-run.Done():
		assert.Equal(t, 0, outcome.ExitCode)
		assert.Contains(t, outcome.Stdout, "A")
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited after answer")
	}
}

func TestNew_ProbesExistingArtifacts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/.graphbus", 0o755))
	require.NoError(t, os.WriteFile(dir+"/.graphbus/graph.json",
		[]byte(`{"nodes":[],"edges":[]}`), 0o644))

	sess := session.New(dir)
	New(Config{}, Deps{
		Logger:    zap.NewNop(),
		Completer: &scriptedAdvisor{},
		Commands:  supervisor.New(zap.NewNop()),
		Runtime:   supervisor.New(zap.NewNop()),
		Bus:       &captureBus{},
		Session:   sess,
	})

	assert.True(t, sess.Built())
	assert.Equal(t, session.PhaseBuilt, sess.Phase())
}

func TestNew_MissingCredentialsGateFirst(t *testing.T) {
	sess := session.New(t.TempDir())
	New(Config{}, Deps{
		Logger:      zap.NewNop(),
		Completer:   &scriptedAdvisor{},
		Credentials: &fakeCreds{},
		Commands:    supervisor.New(zap.NewNop()),
		Runtime:     supervisor.New(zap.NewNop()),
		Bus:         &captureBus{},
		Session:     sess,
	})
	assert.Equal(t, session.PhaseAwaitingAPIKey, sess.Phase())
}

func TestSummarize_TruncatesOnRuneBoundary(t *testing.T) {
	// Three bytes per rune, so the byte limit lands mid-character.
	long := strings.Repeat("界", summarizeLimit)
	out := summarize(long)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasSuffix(out, "…(truncated)"))
}
