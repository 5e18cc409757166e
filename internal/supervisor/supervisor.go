package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultScannerBufSize   = 1024 * 1024 // 1 MB
	defaultRingBufCapacity  = 1000
	defaultSubscriberBufCap = 100
	defaultGracefulTimeout  = 5 * time.Second
)

// CancelExitCode is the sentinel exit code reported when a run is
// terminated by Cancel rather than exiting on its own.
const CancelExitCode = -1

var (
	// ErrBusy is returned when a run is requested while another is active.
	ErrBusy = errors.New("a process is already running")
	// ErrNoProcess is returned by SendInput when nothing is running.
	ErrNoProcess = errors.New("no active process")
)

// SpawnError wraps a failure to start the process at all. No stream
// events are emitted for a run that failed to spawn.
type SpawnError struct {
	Command string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// Stream identifies which pipe a line was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// StreamEvent is a single line of output from the supervised process.
// Seq increases monotonically across both streams of one run; per-stream
// order matches read order, cross-stream interleaving is best-effort.
type StreamEvent struct {
	RunID  string    `json:"runId"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
}

// PromptEvent is emitted when output looks like an interactive prompt.
type PromptEvent struct {
	RunID string
	Tail  string
}

// Outcome is delivered exactly once when a run finishes. Stdout and
// Stderr aggregate the streamed lines joined with '\n'; a final line
// that arrived without a trailing newline is normalized to end with
// one.
type Outcome struct {
	RunID    string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Success reports whether the process exited cleanly.
func (o Outcome) Success() bool { return o.Err == nil && o.ExitCode == 0 }

// Run is the handle for one supervised process.
type Run struct {
	ID      string
	Command string
	WorkDir string

	done chan Outcome
}

// Done yields the run's Outcome exactly once.
func (r *Run) Done() <-chan Outcome { return r.done }

// stdinWriter wraps the child's stdin pipe with mutex protection so
// Cancel can close it out from under a concurrent Write.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

type activeRun struct {
	run    *Run
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  *stdinWriter
	seq    atomic.Uint64
	detect *promptDetector

	stdoutBuf strings.Builder
	stderrBuf strings.Builder
	scanners  sync.WaitGroup
}

// Supervisor runs at most one external process at a time and fans its
// line output out to subscribers as it arrives.
type Supervisor struct {
	log *zap.Logger

	mu     sync.Mutex
	active *activeRun

	subMu       sync.RWMutex
	subscribers map[string]chan StreamEvent
	onPrompt    func(PromptEvent)

	ring *RingBuffer
}

// New creates a supervisor. The logger may not be nil; use zap.NewNop()
// when logging is unwanted.
func New(log *zap.Logger) *Supervisor {
	return &Supervisor{
		log:         log,
		subscribers: make(map[string]chan StreamEvent),
		ring:        NewRingBuffer(defaultRingBufCapacity),
	}
}

// OnPrompt registers the handler invoked when a prompt heuristic fires.
// Detection is best-effort pattern matching: output that merely contains
// a question mark can fire it, and genuine prompts that match none of
// the patterns are missed. Both are accepted failure modes.
func (s *Supervisor) OnPrompt(handler func(PromptEvent)) {
	s.subMu.Lock()
	s.onPrompt = handler
	s.subMu.Unlock()
}

// Active reports whether a run is currently outstanding.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Run spawns command as a shell line in workDir. It returns ErrBusy if a
// run is already active, or a *SpawnError if the process cannot start.
// The call never blocks on the process itself; output is delivered to
// subscribers and the Outcome arrives on the returned handle's Done
// channel.
func (s *Supervisor) Run(ctx context.Context, command, workDir string) (*Run, error) {
	info, err := os.Stat(workDir)
	if err != nil {
		return nil, &SpawnError{Command: command, Cause: fmt.Errorf("working directory does not exist: %s", workDir)}
	}
	if !info.IsDir() {
		return nil, &SpawnError{Command: command, Cause: fmt.Errorf("path is not a directory: %s", workDir)}
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, &SpawnError{Command: command, Cause: fmt.Errorf("empty command")}
	}
	// Pre-flight check on the leading word so a missing executable is a
	// SpawnError with no events, not an exit-127 outcome. Shell builtins
	// that have no binary on PATH will slip past this and fail at exit.
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, &SpawnError{Command: command, Cause: err}
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrBusy
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = workDir

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		cancel()
		s.mu.Unlock()
		return nil, &SpawnError{Command: command, Cause: fmt.Errorf("create stdin pipe: %w", err)}
	}
	cmd.Stdin = stdinR

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		s.mu.Unlock()
		return nil, &SpawnError{Command: command, Cause: fmt.Errorf("create stdout pipe: %w", err)}
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		s.mu.Unlock()
		return nil, &SpawnError{Command: command, Cause: fmt.Errorf("create stderr pipe: %w", err)}
	}

	run := &Run{
		ID:      uuid.New().String(),
		Command: command,
		WorkDir: workDir,
		done:    make(chan Outcome, 1),
	}

	ar := &activeRun{
		run:    run,
		cmd:    cmd,
		cancel: cancel,
		stdin:  &stdinWriter{writer: stdinW},
		detect: newPromptDetector(),
	}

	if err := cmd.Start(); err != nil {
		stdinW.Close()
		stdinR.Close()
		cancel()
		s.mu.Unlock()
		return nil, &SpawnError{Command: command, Cause: err}
	}

	// The child holds the read end now.
	stdinR.Close()

	s.active = ar
	s.mu.Unlock()

	s.log.Info("process started",
		zap.String("runId", run.ID),
		zap.String("command", command),
		zap.String("workDir", workDir))

	ar.scanners.Add(2)
	go s.scanOutput(ar, stdoutPipe, StreamStdout)
	go s.scanOutput(ar, stderrPipe, StreamStderr)
	go s.waitForExit(ar)

	return run, nil
}

// scanOutput reads lines from one pipe, aggregates them for the Outcome,
// and distributes them live to subscribers.
func (s *Supervisor) scanOutput(ar *activeRun, pipe interface{ Read([]byte) (int, error) }, stream Stream) {
	defer ar.scanners.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)

	for scanner.Scan() {
		line := scanner.Text()

		event := StreamEvent{
			RunID:  ar.run.ID,
			Stream: stream,
			Text:   line,
			Seq:    ar.seq.Add(1),
			Time:   time.Now().UTC(),
		}

		if stream == StreamStdout {
			ar.stdoutBuf.WriteString(line)
			ar.stdoutBuf.WriteByte('\n')
		} else {
			ar.stderrBuf.WriteString(line)
			ar.stderrBuf.WriteByte('\n')
		}

		s.ring.Write(event)
		s.fanOut(event)

		// Prompts only hide in stdout; stderr is diagnostics.
		if stream == StreamStdout {
			if tail, ok := ar.detect.observe(line); ok {
				s.firePrompt(PromptEvent{RunID: ar.run.ID, Tail: tail})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		s.log.Warn("scanner error",
			zap.String("runId", ar.run.ID),
			zap.String("stream", string(stream)),
			zap.Error(err))
	}
}

// fanOut sends an event to all subscribers, dropping for slow ones.
func (s *Supervisor) fanOut(event StreamEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

func (s *Supervisor) firePrompt(event PromptEvent) {
	s.subMu.RLock()
	handler := s.onPrompt
	s.subMu.RUnlock()

	if handler != nil {
		handler(event)
	}
}

// waitForExit waits for the scanners to drain, then for the process, and
// delivers the Outcome.
func (s *Supervisor) waitForExit(ar *activeRun) {
	ar.scanners.Wait()
	err := ar.cmd.Wait()

	exitCode := 0
	var outcomeErr error
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if exitCode < 0 {
				// Killed by signal (Cancel path).
				exitCode = CancelExitCode
			}
		} else {
			exitCode = CancelExitCode
			outcomeErr = err
		}
	}

	ar.stdin.Close()
	ar.cancel()

	s.mu.Lock()
	if s.active == ar {
		s.active = nil
	}
	s.mu.Unlock()

	outcome := Outcome{
		RunID:    ar.run.ID,
		ExitCode: exitCode,
		Stdout:   ar.stdoutBuf.String(),
		Stderr:   ar.stderrBuf.String(),
		Err:      outcomeErr,
	}

	s.log.Info("process exited",
		zap.String("runId", ar.run.ID),
		zap.Int("exitCode", exitCode))

	ar.run.done <- outcome
}

// SendInput writes text plus a newline to the active process's stdin.
func (s *Supervisor) SendInput(text string) error {
	s.mu.Lock()
	ar := s.active
	s.mu.Unlock()

	if ar == nil {
		return ErrNoProcess
	}
	return ar.stdin.Write([]byte(text + "\n"))
}

// Cancel terminates the active run: SIGINT first, hard kill after the
// graceful timeout. It also unblocks any pending stdin write. Cancel on
// an idle supervisor is a no-op.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	ar := s.active
	s.mu.Unlock()

	if ar == nil {
		return
	}

	// Signal before touching stdin: a SendInput blocked on a full pipe
	// holds the writer mutex, and only the dying child's EPIPE releases
	// it. Closing stdin first would wait on that mutex forever.
	if ar.cmd.Process != nil {
		ar.cmd.Process.Signal(os.Interrupt)

		go func() {
			time.Sleep(defaultGracefulTimeout)
			ar.cancel()
		}()
	}

	ar.stdin.Close()
}

// Subscribe registers a channel that receives stream events as they are
// read, plus the ring-buffered recent history so late subscribers can
// catch up. Returns the subscription id for Unsubscribe.
func (s *Supervisor) Subscribe() (string, <-chan StreamEvent, []StreamEvent) {
	subID := uuid.New().String()
	ch := make(chan StreamEvent, defaultSubscriberBufCap)

	history := s.ring.ReadAll()

	s.subMu.Lock()
	s.subscribers[subID] = ch
	s.subMu.Unlock()

	return subID, ch, history
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Supervisor) Unsubscribe(subID string) {
	s.subMu.Lock()
	if ch, ok := s.subscribers[subID]; ok {
		close(ch)
		delete(s.subscribers, subID)
	}
	s.subMu.Unlock()
}
