package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"graphdeck/internal/advisor"
	"graphdeck/internal/artifacts"
	"graphdeck/internal/protocol"
	"graphdeck/internal/session"
	"graphdeck/internal/supervisor"
)

// dispatch executes exactly one action and reports the uniform
// {success, result|error} shape, whether it was a supervised shell
// command or a direct operation.
func (o *Orchestrator) dispatch(ctx context.Context, action string, params map[string]string) protocol.ResultPayload {
	o.log.Info("dispatching action", zap.String("action", action))

	var result protocol.ResultPayload
	switch action {
	case advisor.ActionRunCommand:
		result = o.runCommand(ctx, params["command"])
	case advisor.ActionStartRuntime:
		result = o.startRuntime()
	case advisor.ActionStopRuntime:
		result = o.stopRuntime()
	case advisor.ActionListNodes:
		result = o.listNodes()
	case advisor.ActionCallNode:
		result = o.callNode(ctx, params)
	case advisor.ActionPublishEvent:
		result = o.publishEvent(ctx, params)
	case advisor.ActionChangeDirectory:
		result = o.changeDirectory(params["path"])
	default:
		result = protocol.ResultPayload{Success: false, Error: fmt.Sprintf("unknown action %q", action)}
	}

	result.Action = action
	return result
}

// runCommand runs a shell line under the supervisor with the configured
// ceiling. On timeout the operation is abandoned and reported failed;
// it is not retried.
func (o *Orchestrator) runCommand(ctx context.Context, command string) protocol.ResultPayload {
	if command == "" {
		return protocol.ResultPayload{Success: false, Error: "run_command requires a 'command' param"}
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.BuildTimeout)
	defer cancel()

	run, err := o.cmd.Run(runCtx, command, o.sess.WorkDir())
	if err != nil {
		if errors.Is(err, supervisor.ErrBusy) {
			o.fail(protocol.ErrCodeBusy, "Another operation is already running.", "")
			return protocol.ResultPayload{Success: false, Error: "another operation is already running"}
		}
		var spawnErr *supervisor.SpawnError
		if errors.As(err, &spawnErr) {
			o.fail(protocol.ErrCodeSpawnFailed, "The command could not be started.", err.Error())
		}
		return protocol.ResultPayload{Success: false, Error: err.Error()}
	}

	select {
	case outcome := <-run.Done():
		if outcome.Success() {
			o.applyBuildMarker(outcome.Stdout)
			return protocol.ResultPayload{Success: true, Result: summarize(outcome.Stdout)}
		}
		return protocol.ResultPayload{
			Success: false,
			Error:   fmt.Sprintf("exit code %d: %s", outcome.ExitCode, summarize(outcome.Stderr)),
		}

	case <-runCtx.Done():
		// The context kills the process; its outcome is discarded.
		return protocol.ResultPayload{
			Success: false,
			Error:   fmt.Sprintf("timed out after %s: %s", o.cfg.BuildTimeout, command),
		}
	}
}

// applyBuildMarker flips the session to built when captured stdout
// carries the build-success marker.
func (o *Orchestrator) applyBuildMarker(stdout string) {
	if !strings.Contains(stdout, o.cfg.BuildSuccessMarker) {
		return
	}
	o.sess.SetBuilt(true)
	if !o.sess.Running() {
		o.sess.SetPhase(session.PhaseBuilt)
	}
}

func (o *Orchestrator) startRuntime() protocol.ResultPayload {
	if !o.sess.Built() {
		return protocol.ResultPayload{Success: false, Error: "nothing is built yet; build the graph first"}
	}

	prev := o.sess.Phase()
	o.sess.SetPhase(session.PhaseRunning)
	run, err := o.rt.Run(context.Background(), o.cfg.RuntimeCommand, o.sess.WorkDir())
	if err != nil {
		o.sess.SetPhase(prev)
		if errors.Is(err, supervisor.ErrBusy) {
			return protocol.ResultPayload{Success: false, Error: "the runtime is already running"}
		}
		return protocol.ResultPayload{Success: false, Error: err.Error()}
	}

	o.sess.SetRunning(true)
	o.sess.SetPhase(session.PhaseReady)

	// Watch for the runtime dying on its own.
	go func() {
		outcome := <-run.Done()
		o.sess.SetRunning(false)
		if o.sess.Phase() == session.PhaseReady || o.sess.Phase() == session.PhaseRunning {
			o.sess.SetPhase(session.PhaseBuilt)
		}
		if outcome.ExitCode != 0 && outcome.ExitCode != supervisor.CancelExitCode {
			o.fail(protocol.ErrCodeActionFailed, "The runtime exited unexpectedly.",
				fmt.Sprintf("exit code %d: %s", outcome.ExitCode, summarize(outcome.Stderr)))
		}
	}()

	return protocol.ResultPayload{Success: true, Result: "runtime started"}
}

func (o *Orchestrator) stopRuntime() protocol.ResultPayload {
	if !o.sess.Running() {
		return protocol.ResultPayload{Success: false, Error: "the runtime is not running"}
	}
	o.rt.Cancel()
	o.sess.SetRunning(false)
	o.sess.SetPhase(session.PhaseBuilt)
	return protocol.ResultPayload{Success: true, Result: "runtime stopped"}
}

// listNodes answers from the on-disk graph; the CLI already wrote it,
// no subprocess needed.
func (o *Orchestrator) listNodes() protocol.ResultPayload {
	arts, err := artifacts.Load(o.sess.WorkDir())
	if err != nil {
		return protocol.ResultPayload{Success: false, Error: err.Error()}
	}
	names := arts.NodeNames()
	if len(names) == 0 {
		return protocol.ResultPayload{Success: true, Result: "no nodes found; the graph has not been built"}
	}
	return protocol.ResultPayload{Success: true, Result: strings.Join(names, ", ")}
}

func (o *Orchestrator) callNode(ctx context.Context, params map[string]string) protocol.ResultPayload {
	node, method := params["node"], params["method"]
	if node == "" || method == "" {
		return protocol.ResultPayload{Success: false, Error: "call_node requires 'node' and 'method' params"}
	}
	args := []string{"call", node, method}
	if params["args"] != "" {
		args = append(args, params["args"])
	}
	return o.cliExec(ctx, args...)
}

func (o *Orchestrator) publishEvent(ctx context.Context, params map[string]string) protocol.ResultPayload {
	topic := params["topic"]
	if topic == "" {
		return protocol.ResultPayload{Success: false, Error: "publish_event requires a 'topic' param"}
	}
	args := []string{"publish", topic}
	if params["payload"] != "" {
		args = append(args, params["payload"])
	}
	return o.cliExec(ctx, args...)
}

// cliExec runs a short graphbus CLI invocation directly; these direct
// operations do not occupy the supervisor's single slot.
func (o *Orchestrator) cliExec(ctx context.Context, args ...string) protocol.ResultPayload {
	execCtx, cancel := context.WithTimeout(ctx, o.cfg.BuildTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, o.cfg.GraphbusBin, args...)
	cmd.Dir = o.sess.WorkDir()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return protocol.ResultPayload{
			Success: false,
			Error:   fmt.Sprintf("%s %s: %v: %s", o.cfg.GraphbusBin, strings.Join(args, " "), err, summarize(string(out))),
		}
	}
	return protocol.ResultPayload{Success: true, Result: summarize(string(out))}
}

func (o *Orchestrator) changeDirectory(path string) protocol.ResultPayload {
	if path == "" {
		return protocol.ResultPayload{Success: false, Error: "change_directory requires a 'path' param"}
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return protocol.ResultPayload{Success: false, Error: fmt.Sprintf("not a directory: %s", path)}
	}

	o.sess.ChangeDirectory(path)

	// Re-probe for prior artifacts before orchestration resumes.
	if artifacts.Probe(path) {
		o.sess.SetBuilt(true)
		o.sess.SetPhase(session.PhaseBuilt)
	}
	if o.wat != nil {
		if err := o.wat.Watch(path); err != nil {
			o.log.Warn("re-arming artifact watcher failed", zap.Error(err))
		}
	}

	return protocol.ResultPayload{Success: true, Result: "working directory is now " + path}
}

const summarizeLimit = 2000

// summarize trims captured output for transport; full detail stays in
// the live stream the UI already received.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= summarizeLimit {
		return text
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := summarizeLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + " …(truncated)"
}
