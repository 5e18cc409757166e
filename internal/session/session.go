package session

import (
	"sync"

	"graphdeck/internal/advisor"
)

// Phase is the orchestrator's position in its workflow state machine.
type Phase string

const (
	PhaseInitial                     Phase = "initial"
	PhaseAwaitingAPIKey              Phase = "awaiting_api_key"
	PhaseAwaitingBuildConfirmation   Phase = "awaiting_build_confirmation"
	PhaseBuilt                       Phase = "built"
	PhaseAwaitingRuntimeConfirmation Phase = "awaiting_runtime_confirmation"
	PhaseRunning                     Phase = "running"
	PhaseReady                       Phase = "ready"
)

// Session is the single live unit of work: one working directory, one
// workflow phase, at most one active process (enforced by the
// supervisor). History has a single logical writer (the orchestrator)
// and may be read concurrently by renderers.
type Session struct {
	mu sync.RWMutex

	workDir string
	built   bool
	running bool
	phase   Phase

	history []advisor.Turn

	// generation increments whenever the session moves on (directory
	// change, reset, stop). In-flight advisory replies from a previous
	// generation are discarded, not cancelled.
	generation uint64
}

// New creates a session rooted at workDir.
func New(workDir string) *Session {
	return &Session{
		workDir: workDir,
		phase:   PhaseInitial,
	}
}

func (s *Session) WorkDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workDir
}

func (s *Session) Built() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.built
}

func (s *Session) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Session) SetBuilt(v bool) {
	s.mu.Lock()
	s.built = v
	s.mu.Unlock()
}

func (s *Session) SetRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Session) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Generation returns the current session generation for correlating
// late replies.
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// AppendTurn appends one turn to the conversation history.
func (s *Session) AppendTurn(role advisor.Role, content string) {
	s.mu.Lock()
	s.history = append(s.history, advisor.Turn{Role: role, Content: content})
	s.mu.Unlock()
}

// History returns a copy of the ordered conversation history.
func (s *Session) History() []advisor.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]advisor.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// ResetHistory clears the conversation and bumps the generation.
func (s *Session) ResetHistory() {
	s.mu.Lock()
	s.history = nil
	s.generation++
	s.mu.Unlock()
}

// ChangeDirectory moves the session to a new working directory. History
// is cleared; build/run state is reset pending a re-probe of artifacts.
func (s *Session) ChangeDirectory(dir string) {
	s.mu.Lock()
	s.workDir = dir
	s.history = nil
	s.built = false
	s.running = false
	s.phase = PhaseInitial
	s.generation++
	s.mu.Unlock()
}

// Status is a read-only snapshot for renderers and the status endpoint.
type Status struct {
	WorkDir string `json:"workDir"`
	Built   bool   `json:"built"`
	Running bool   `json:"running"`
	Phase   Phase  `json:"phase"`
	Turns   int    `json:"turns"`
}

// Snapshot captures the current session state.
func (s *Session) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		WorkDir: s.workDir,
		Built:   s.built,
		Running: s.running,
		Phase:   s.phase,
		Turns:   len(s.history),
	}
}
