package runner

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DockerRunner executes agent runs in Docker containers. Run state lives in
// memory only: a process restart forgets all runs, and the runtime loop
// fails the orphaned jobs on its next pass.
type DockerRunner struct {
	image        string
	workspaceDir string
	sessionsDir  string
	runTimeout   time.Duration

	mu   sync.Mutex
	runs map[string]*dockerRun
}

type dockerRun struct {
	mu sync.Mutex

	containerID string
	jobID       string
	workspace   string
	cancel      context.CancelFunc

	// filesBefore snapshots the workspace before the agent runs so final
	// attachments are just the new files.
	filesBefore map[string]bool

	logs  []LogEntry
	steps []StepRecord
	state State

	question    string
	output      string
	attachments []string
	errText     string
	stepCount   int
}

// NewDockerRunner builds the production runner.
func NewDockerRunner(image, workspaceDir, sessionsDir string, runTimeout time.Duration) *DockerRunner {
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	return &DockerRunner{
		image:        image,
		workspaceDir: workspaceDir,
		sessionsDir:  sessionsDir,
		runTimeout:   runTimeout,
		runs:         make(map[string]*dockerRun),
	}
}

// Start writes the prompt into a fresh workspace and launches the sandbox.
func (d *DockerRunner) Start(ctx context.Context, spec StartSpec) (string, error) {
	containerID := "voxclaw-run-" + uuid.NewString()[:8]
	workspace := filepath.Join(d.workspaceDir, containerID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "prompt.txt"), []byte(spec.Prompt), 0o644); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	if err := stageFiles(workspace, spec.Files); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), d.runTimeout)
	run := &dockerRun{
		containerID: containerID,
		jobID:       spec.JobID,
		workspace:   workspace,
		cancel:      cancel,
		filesBefore: snapshotFiles(workspace),
		state:       StateRunning,
	}

	args := []string{
		"run", "--rm",
		"--name", containerID,
		"-v", workspace + ":/workspace",
	}
	if spec.SessionID != "" && d.sessionsDir != "" {
		sessionDir := filepath.Join(d.sessionsDir, spec.SessionID)
		_ = os.MkdirAll(sessionDir, 0o755)
		args = append(args, "-v", sessionDir+":/session")
	}
	args = append(args, d.image)

	cmd := exec.CommandContext(runCtx, "docker", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return "", fmt.Errorf("pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return "", fmt.Errorf("pipe stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("start container: %w", err)
	}

	d.mu.Lock()
	d.runs[containerID] = run
	d.mu.Unlock()

	go d.consumeStdout(run, stdout)
	go d.consumeStderr(run, stderr)
	go func() {
		err := cmd.Wait()
		run.mu.Lock()
		defer run.mu.Unlock()
		if run.state == StateRunning {
			// Exit without a final frame is a failure.
			if err != nil {
				run.state = StateFailed
				run.errText = fmt.Sprintf("container exited: %v", err)
			} else {
				run.state = StateFailed
				run.errText = "container exited without final frame"
			}
		}
	}()

	slog.Info("Agent run started", "container", containerID, "job", spec.JobID)
	return containerID, nil
}

func (d *DockerRunner) consumeStdout(run *dockerRun, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		d.handleFrame(run, parseFrame(scanner.Text()))
	}
}

func (d *DockerRunner) consumeStderr(run *dockerRun, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		run.mu.Lock()
		run.logs = append(run.logs, LogEntry{Stream: "stderr", Line: scanner.Text()})
		run.mu.Unlock()
	}
}

func (d *DockerRunner) handleFrame(run *dockerRun, f containerFrame) {
	if err := f.validate(); err != nil {
		run.mu.Lock()
		run.logs = append(run.logs, LogEntry{Stream: "stderr", Line: "bad frame: " + err.Error()})
		run.mu.Unlock()
		return
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	switch f.Type {
	case frameSession:
		run.logs = append(run.logs, LogEntry{Stream: "stdout", Line: "session " + f.Session})
	case frameLog:
		stream := f.Stream
		if stream != "stderr" {
			stream = "stdout"
		}
		run.logs = append(run.logs, LogEntry{Stream: stream, Line: f.Line})
	case frameStep:
		run.stepCount++
		run.steps = append(run.steps, StepRecord{
			StepNumber:    run.stepCount,
			ToolName:      f.Tool,
			InputSummary:  f.Input,
			OutputSummary: f.Output,
			DurationMs:    f.DurationMs,
		})
	case frameAskUser:
		if run.state == StateRunning {
			run.state = StatePaused
			run.question = f.Question
		}
	case frameFinal:
		if run.state == StateRunning || run.state == StatePaused {
			run.state = StateDone
			run.output = f.Output
			run.attachments = newFiles(run.workspace, run.filesBefore)
		}
	case frameError:
		if run.state == StateRunning || run.state == StatePaused {
			run.state = StateFailed
			run.errText = f.Error
		}
	}
}

// Poll drains accumulated logs and steps and reports the run state.
func (d *DockerRunner) Poll(ctx context.Context, containerID string) (*PollResult, error) {
	run := d.get(containerID)
	if run == nil {
		return nil, ErrUnknownContainer
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	res := &PollResult{
		Logs:        run.logs,
		Steps:       run.steps,
		State:       run.state,
		Question:    run.question,
		Output:      run.output,
		Attachments: run.attachments,
		Error:       run.errText,
	}
	run.logs = nil
	run.steps = nil
	return res, nil
}

// Resume writes the user's answer where the sandbox entrypoint polls for
// it and returns the run to the running state.
func (d *DockerRunner) Resume(ctx context.Context, containerID, answer string) error {
	run := d.get(containerID)
	if run == nil {
		return ErrUnknownContainer
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.state != StatePaused {
		return fmt.Errorf("resume container %s in state %s", containerID, run.state)
	}
	if err := os.WriteFile(filepath.Join(run.workspace, "answer.txt"), []byte(answer), 0o644); err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	run.state = StateRunning
	run.question = ""
	return nil
}

// Kill cancels the container process. Unknown ids are tolerated so
// cancellation stays idempotent.
func (d *DockerRunner) Kill(ctx context.Context, containerID string) error {
	run := d.get(containerID)
	if run == nil {
		return nil
	}
	run.cancel()
	_ = exec.CommandContext(ctx, "docker", "kill", containerID).Run()

	run.mu.Lock()
	if run.state == StateRunning || run.state == StatePaused {
		run.state = StateFailed
		run.errText = "killed"
	}
	run.mu.Unlock()
	return nil
}

// Has reports whether the runner tracks the container.
func (d *DockerRunner) Has(containerID string) bool {
	return d.get(containerID) != nil
}

// Release forgets a finished run and leaves its workspace for collection.
func (d *DockerRunner) Release(containerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.runs, containerID)
}

func (d *DockerRunner) get(containerID string) *dockerRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs[containerID]
}

// stageFiles copies source media into workspace/media. Staged files are in
// place before the workspace snapshot, so they never come back out as
// final attachments.
func stageFiles(workspace string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	mediaDir := filepath.Join(workspace, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	for _, src := range files {
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read media %s: %w", src, err)
		}
		dst := filepath.Join(mediaDir, filepath.Base(src))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("stage media: %w", err)
		}
	}
	return nil
}

func snapshotFiles(root string) map[string]bool {
	seen := make(map[string]bool)
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		seen[path] = true
		return nil
	})
	return seen
}

func newFiles(root string, before map[string]bool) []string {
	var out []string
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if before[path] {
			return nil
		}
		if strings.HasSuffix(path, "answer.txt") {
			return nil
		}
		out = append(out, path)
		return nil
	})
	return out
}
