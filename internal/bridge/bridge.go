// Package bridge runs the external code-generation tool on behalf of an
// agent and mirrors its progress into the conversation.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/identity"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/internal/state"
	"github.com/ShayCichocki/agora/pkg/models"
)

// ErrToolNotInstalled is returned when the tool binary cannot be found.
var ErrToolNotInstalled = errors.New("code tool is not installed")

// InstallHint tells users how to get the default tool.
const InstallHint = "install it with: npm install -g @anthropic-ai/claude-code"

// ShutdownPolicy decides what happens to running tools on shutdown.
type ShutdownPolicy string

const (
	// PolicyKill terminates running tools when their context ends.
	PolicyKill ShutdownPolicy = "kill"
	// PolicyDetach lets running tools finish; their output is still consumed.
	PolicyDetach ShutdownPolicy = "detach"
)

// ToolError is returned when the tool ran but did not succeed.
type ToolError struct {
	// TaskID is the task record of the invocation.
	TaskID string
	// ExitCode is the process exit code, or -1 when unknown.
	ExitCode int
	// Partial is the assistant text produced before the failure.
	Partial string
	// Message describes the failure.
	Message string
	// Stderr is the captured standard error.
	Stderr string
}

func (e *ToolError) Error() string {
	msg := "code tool failed: " + e.Message
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += "; stderr: " + e.Stderr
	}
	return msg
}

// ExecContext is everything one invocation needs to know about its caller.
type ExecContext struct {
	// Signer signs the task record and progress events as the invoking agent.
	Signer identity.Signer
	// AgentName is the invoking agent's slug.
	AgentName string
	// ConversationID is the root event of the conversation.
	ConversationID string
	// ProjectRef is the project coordinate.
	ProjectRef string
	// Trigger is the event the agent is responding to.
	Trigger *models.Event
	// WorkDir is the directory the tool runs in.
	WorkDir string
}

// NewExecContext builds the execution context for an agent responding to
// trigger inside conv.
func NewExecContext(signer identity.Signer, agentName string, conv *models.Conversation, trigger *models.Event, workDir string) ExecContext {
	return ExecContext{
		Signer:         signer,
		AgentName:      agentName,
		ConversationID: conv.ID,
		ProjectRef:     conv.ProjectRef,
		Trigger:        trigger,
		WorkDir:        workDir,
	}
}

// Result is a successful invocation.
type Result struct {
	TaskID string
	// Text is the final text reported by the tool.
	Text string
	// Summary is a one-line account including aggregate stats.
	Summary string
	// Updates are the progress messages published.
	Updates []string
	Stats   models.TaskStats
}

// Options configures a Bridge.
type Options struct {
	// Binary is the tool executable; defaults to "claude".
	Binary       string
	AllowedTools []string
	Model        string
	// Timeout bounds one invocation (0 = none).
	Timeout time.Duration
	Policy  ShutdownPolicy
	// Tasks persists task records when set.
	Tasks  state.TaskStore
	Logger *zap.Logger
	// OnPublish is called with every event the bridge publishes.
	OnPublish func(*models.Event)
}

// Bridge executes the code tool.
type Bridge struct {
	net  network.Network
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	inflight map[string]*process
	wg       sync.WaitGroup
}

// New creates a bridge publishing through net.
func New(net network.Network, opts Options) *Bridge {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.Policy == "" {
		opts.Policy = PolicyKill
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		net:      net,
		opts:     opts,
		log:      logger.Named("bridge"),
		now:      time.Now,
		inflight: make(map[string]*process),
	}
}

// Args returns the command line for prompt.
func (b *Bridge) Args(prompt string) []string {
	args := []string{"--output-format", "stream-json", "--print", "--verbose"}
	if len(b.opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(b.opts.AllowedTools, ","))
	}
	if b.opts.Model != "" {
		args = append(args, "--model", b.opts.Model)
	}
	return append(args, "-p", prompt)
}

// ExecuteTool runs the tool with prompt. It publishes a task record, one
// progress reply per assistant message or tool call, and a failure reply
// when the tool does not succeed.
func (b *Bridge) ExecuteTool(ctx context.Context, title, prompt string, ec ExecContext) (*Result, error) {
	task := &models.Task{
		ConversationID: ec.ConversationID,
		ProjectRef:     ec.ProjectRef,
		AgentName:      ec.AgentName,
		Title:          title,
		Prompt:         prompt,
		Status:         models.TaskStatusRunning,
		CreatedAt:      b.now(),
	}
	b.publishTask(ctx, task, ec)
	log := b.log.With(zap.String("task", task.ID), zap.String("agent", ec.AgentName))

	binary, err := exec.LookPath(b.opts.Binary)
	if err != nil {
		err = fmt.Errorf("%w (%s): %s", ErrToolNotInstalled, b.opts.Binary, InstallHint)
		b.finish(ctx, task, ec, "", err)
		return nil, err
	}

	procCtx := ctx
	if b.opts.Policy == PolicyDetach {
		procCtx = context.WithoutCancel(ctx)
	}
	var cancel context.CancelFunc = func() {}
	if b.opts.Timeout > 0 {
		procCtx, cancel = context.WithTimeout(procCtx, b.opts.Timeout)
	}

	proc := newProcess(procCtx, log)
	if err := proc.start(binary, b.Args(prompt), ec.WorkDir); err != nil {
		proc.kill()
		cancel()
		if errors.Is(err, ErrToolNotInstalled) {
			err = fmt.Errorf("%w: %s", err, InstallHint)
		} else {
			err = &ToolError{TaskID: task.ID, ExitCode: -1, Message: err.Error()}
		}
		b.finish(ctx, task, ec, "", err)
		return nil, err
	}
	log.Info("code tool started", zap.Int("pid", proc.pid()), zap.String("title", title))

	b.mu.Lock()
	b.inflight[task.ID] = proc
	b.mu.Unlock()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		res, err := b.consume(context.WithoutCancel(ctx), proc, task, ec)
		b.mu.Lock()
		delete(b.inflight, task.ID)
		b.mu.Unlock()
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		if b.opts.Policy == PolicyDetach {
			log.Info("detached from running code tool")
			return nil, fmt.Errorf("detached from task %s: %w", task.ID, ctx.Err())
		}
		o := <-done
		return o.res, o.err
	}
}

// consume reads the tool output to completion and finalizes the task.
func (b *Bridge) consume(ctx context.Context, proc *process, task *models.Task, ec ExecContext) (*Result, error) {
	var (
		texts  []string
		result *ResultLine
	)
	for ev := range proc.events() {
		switch ev.Type {
		case StreamEventAssistant, StreamEventToolUse:
			task.Stats.InputTokens += ev.InputTokens
			task.Stats.OutputTokens += ev.OutputTokens
			if ev.Text != "" {
				texts = append(texts, ev.Text)
				b.progress(ctx, task, ec, ev.Text)
			}
			for _, a := range ev.ToolActions {
				b.progress(ctx, task, ec, a)
			}
		case StreamEventResult:
			result = ev.Result
			// The result line carries the run's aggregate usage.
			if ev.InputTokens > 0 || ev.OutputTokens > 0 {
				task.Stats.InputTokens, task.Stats.OutputTokens = ev.InputTokens, ev.OutputTokens
			}
		}
	}

	code, waitErr := proc.wait()
	partial := strings.Join(texts, "\n\n")
	if result != nil {
		task.Stats.CostUSD = result.CostUSD
		task.Stats.DurationMs = result.DurationMs
		task.Stats.TurnCount = result.NumTurns
	}

	var err error
	switch {
	case waitErr != nil:
		err = &ToolError{TaskID: task.ID, ExitCode: code, Partial: partial, Message: waitErr.Error(), Stderr: proc.stderrText()}
	case result != nil && result.IsError:
		msg := result.Result
		if msg == "" {
			msg = "tool reported an error"
		}
		err = &ToolError{TaskID: task.ID, ExitCode: code, Partial: partial, Message: msg, Stderr: proc.stderrText()}
	}

	text := ""
	if err == nil {
		if result != nil && result.Result != "" {
			text = result.Result
		} else {
			text = "Task completed successfully.\n\n" + summarize(task.Stats)
		}
	}
	b.finish(ctx, task, ec, text, err)
	if err != nil {
		return nil, err
	}
	return &Result{
		TaskID:  task.ID,
		Text:    text,
		Summary: summarize(task.Stats),
		Updates: task.Updates,
		Stats:   task.Stats,
	}, nil
}

// InFlight returns the number of running invocations.
func (b *Bridge) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Shutdown applies the shutdown policy: kill terminates running tools and
// waits for them, detach leaves them running.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.opts.Policy == PolicyDetach {
		if n := b.InFlight(); n > 0 {
			b.log.Info("leaving code tools running", zap.Int("count", n))
		}
		return nil
	}
	b.mu.Lock()
	for id, p := range b.inflight {
		b.log.Info("killing code tool", zap.String("task", id), zap.Int("pid", p.pid()))
		p.kill()
	}
	b.mu.Unlock()
	return b.Wait(ctx)
}

// Wait blocks until every invocation, including detached ones, has finished.
func (b *Bridge) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) publishTask(ctx context.Context, task *models.Task, ec ExecContext) {
	ev := &models.Event{
		Kind:    models.KindTask,
		Content: task.Prompt,
		Tags: models.Tags{
			{"title", task.Title},
			{"e", ec.ConversationID, "", "root"},
		},
	}
	if ec.ProjectRef != "" {
		ev.Tags = append(ev.Tags, models.Tag{"a", ec.ProjectRef})
	}
	if ec.Signer == nil {
		task.ID = uuid.NewString()
		b.save(ctx, task)
		return
	}
	if err := ec.Signer.Sign(ev); err != nil {
		b.log.Warn("could not sign task record", zap.Error(err))
		task.ID = uuid.NewString()
		b.save(ctx, task)
		return
	}
	task.ID = ev.ID
	b.publish(ctx, ev)
	b.save(ctx, task)
}

func (b *Bridge) progress(ctx context.Context, task *models.Task, ec ExecContext, text string) {
	task.Updates = append(task.Updates, text)
	if ec.Signer == nil {
		return
	}
	ev := &models.Event{
		Kind:    models.KindReply,
		Content: text,
		Tags:    models.ReplyTags(ec.ConversationID, task.ID, ec.ProjectRef),
	}
	ev.Tags = append(ev.Tags, models.Tag{"status", "progress"})
	if err := ec.Signer.Sign(ev); err != nil {
		b.log.Warn("could not sign progress update", zap.Error(err))
		return
	}
	b.publish(ctx, ev)
}

func (b *Bridge) finish(ctx context.Context, task *models.Task, ec ExecContext, text string, err error) {
	now := b.now()
	task.CompletedAt = &now
	if err != nil {
		task.Status = models.TaskStatusFailed
		task.Error = err.Error()
		var te *ToolError
		if errors.As(err, &te) {
			task.Result = te.Partial
		}
		b.progress(ctx, task, ec, "Task failed: "+err.Error())
		b.log.Warn("code tool failed", zap.String("task", task.ID), zap.Error(err))
	} else {
		task.Status = models.TaskStatusSucceeded
		task.Result = text
		b.log.Info("code tool finished", zap.String("task", task.ID), zap.Float64("cost_usd", task.Stats.CostUSD))
	}
	b.save(ctx, task)
}

func (b *Bridge) publish(ctx context.Context, ev *models.Event) {
	if b.opts.OnPublish != nil {
		b.opts.OnPublish(ev)
	}
	relays, err := b.net.Publish(ctx, ev)
	if err == nil && len(relays) == 0 {
		err = network.ErrNotPublished
	}
	if err != nil {
		b.log.Warn("publish failed", zap.Int("kind", int(ev.Kind)), zap.String("event", ev.ID), zap.Error(err))
	}
}

func (b *Bridge) save(ctx context.Context, task *models.Task) {
	if b.opts.Tasks == nil {
		return
	}
	if err := b.opts.Tasks.SaveTask(ctx, task); err != nil {
		b.log.Warn("could not persist task", zap.String("task", task.ID), zap.Error(err))
	}
}

func summarize(s models.TaskStats) string {
	turns := "turns"
	if s.TurnCount == 1 {
		turns = "turn"
	}
	return fmt.Sprintf("Completed in %d %s (%.1fs), cost $%.4f, tokens %d in / %d out",
		s.TurnCount, turns, float64(s.DurationMs)/1000, s.CostUSD, s.InputTokens, s.OutputTokens)
}
