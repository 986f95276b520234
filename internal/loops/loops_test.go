package loops

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxclaw/voxclaw/internal/ai"
	"github.com/voxclaw/voxclaw/internal/bus"
	"github.com/voxclaw/voxclaw/internal/channels"
	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/runner"
	"github.com/voxclaw/voxclaw/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLoopsConfig() config.LoopsConfig {
	cfg := config.DefaultConfig().Loops
	// No waiting in tests.
	cfg.BackoffBaseMs = 0
	cfg.BackoffMaxMs = 0
	return cfg
}

func insertInbound(t *testing.T, s *store.Store, chatID, platformID, content string, now time.Time) *store.Message {
	t.Helper()
	m, _, err := s.UpsertInbound(&store.Message{
		PlatformID:     platformID,
		PlatformChatID: chatID,
		Content:        content,
	}, now)
	if err != nil {
		t.Fatalf("insert inbound: %v", err)
	}
	return m
}

func createPendingJob(t *testing.T, s *store.Store, chatID, prompt string, now time.Time) *store.Job {
	t.Helper()
	job := &store.Job{Kind: store.JobKindAction, ChatID: chatID, Prompt: prompt}
	if err := s.CreateJob(job, now); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.PromoteDraft(job.ID, prompt, now); err != nil {
		t.Fatalf("promote draft: %v", err)
	}
	return job
}

func requireJob(t *testing.T, s *store.Store, id string) *store.Job {
	t.Helper()
	j, err := s.JobByID(id)
	if err != nil {
		t.Fatalf("job %s: %v", id, err)
	}
	return j
}

func allOutbox(t *testing.T, s *store.Store) []*store.OutboxRow {
	t.Helper()
	pending, err := s.PendingOutbox(1 << 30)
	if err != nil {
		t.Fatalf("pending outbox: %v", err)
	}
	unrewritten, err := s.UnrewrittenOutbox()
	if err != nil {
		t.Fatalf("unrewritten outbox: %v", err)
	}
	return append(pending, unrewritten...)
}

// fakeAI is a programmable ai.Service.
type fakeAI struct {
	triage  func(in ai.TriageInput) (ai.Decision, error)
	enrich  func(prompt string, history, retrieved []string) (string, error)
	embed   func(text string) ([]float32, error)
	rewrite func(draft string) (string, error)

	triageCalls  int
	rewriteCalls int
}

func (f *fakeAI) TriageBatch(_ context.Context, in ai.TriageInput) (ai.Decision, error) {
	f.triageCalls++
	if f.triage != nil {
		return f.triage(in)
	}
	return ai.Decision{Kind: ai.DecisionNoop}, nil
}

func (f *fakeAI) EnrichJob(_ context.Context, prompt string, history, retrieved []string) (string, error) {
	if f.enrich != nil {
		return f.enrich(prompt, history, retrieved)
	}
	return prompt, nil
}

func (f *fakeAI) EmbedText(_ context.Context, text string) ([]float32, error) {
	if f.embed != nil {
		return f.embed(text)
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeAI) RewriteReply(_ context.Context, draft string) (string, error) {
	f.rewriteCalls++
	if f.rewrite != nil {
		return f.rewrite(draft)
	}
	return draft, nil
}

// fakeRunner is a programmable runner.Runner. Poll results queue per
// container; an empty queue reports a quiet running container.
type fakeRunner struct {
	mu        sync.Mutex
	nextID    int
	known     map[string]bool
	results   map[string][]*runner.PollResult
	started   []runner.StartSpec
	resumed   map[string]string
	killed    map[string]int
	released  map[string]int
	startErr  error
	resumeErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		known:    make(map[string]bool),
		results:  make(map[string][]*runner.PollResult),
		resumed:  make(map[string]string),
		killed:   make(map[string]int),
		released: make(map[string]int),
	}
}

func (f *fakeRunner) Start(_ context.Context, spec runner.StartSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.known[id] = true
	f.started = append(f.started, spec)
	return id, nil
}

func (f *fakeRunner) Poll(_ context.Context, containerID string) (*runner.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[containerID] {
		return nil, runner.ErrUnknownContainer
	}
	queue := f.results[containerID]
	if len(queue) == 0 {
		return &runner.PollResult{State: runner.StateRunning}, nil
	}
	res := queue[0]
	f.results[containerID] = queue[1:]
	return res, nil
}

func (f *fakeRunner) Resume(_ context.Context, containerID, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[containerID] {
		return runner.ErrUnknownContainer
	}
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed[containerID] = answer
	return nil
}

func (f *fakeRunner) Kill(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[containerID]++
	return nil
}

func (f *fakeRunner) Has(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[containerID]
}

func (f *fakeRunner) Release(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[containerID]++
	delete(f.known, containerID)
}

func (f *fakeRunner) queueResult(containerID string, res *runner.PollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[containerID] = true
	f.results[containerID] = append(f.results[containerID], res)
}

// fakeChannel is a scriptable transport.
type fakeChannel struct {
	mu      sync.Mutex
	name    string
	sendErr error
	nextID  int
	sent    []*bus.OutboundMessage
	typing  map[string]bool
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, typing: make(map[string]bool)}
}

func (c *fakeChannel) Name() string                { return c.name }
func (c *fakeChannel) Start(context.Context) error { return nil }
func (c *fakeChannel) Stop() error                 { return nil }

func (c *fakeChannel) Send(_ context.Context, msg *bus.OutboundMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.nextID++
	c.sent = append(c.sent, msg)
	return fmt.Sprintf("%s-msg-%d", c.name, c.nextID), nil
}

func (c *fakeChannel) SendTyping(_ context.Context, chatID string, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing[chatID] = typing
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestRegistry(ch channels.Channel) *channels.Registry {
	reg := channels.NewRegistry()
	reg.Register(ch)
	return reg
}
