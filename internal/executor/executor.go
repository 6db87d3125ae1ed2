// Package executor drives the Claude Agent SDK for one prompt at a time.
// It assembles SDK options, demultiplexes the event stream into outbound UI
// messages, recovers from stale session identifiers, and supports mid-flight
// interrupts. Single-flight is enforced by the caller.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/shaharia-lab/claude-agent-sdk-go/claude"

	"github.com/nestoz/vibecheck-agent/internal/protocol"
	"github.com/nestoz/vibecheck-agent/internal/security"
	"github.com/nestoz/vibecheck-agent/internal/session"
	"github.com/nestoz/vibecheck-agent/internal/skills"
)

// ErrAborted is returned when a query was stopped by Interrupt (or the
// process is shutting down). The query handler suppresses its own response
// for this error because the interrupt handler has already spoken.
var ErrAborted = errors.New("query aborted")

// ErrorPrefix prefixes user-visible assistant failures.
const ErrorPrefix = "❌ 오류가 발생했습니다: "

// globalAllowedTools is the default tool list when no skill restricts it.
var globalAllowedTools = []string{
	"Read", "Write", "Edit", "Bash", "Glob", "Grep",
	"WebFetch", "WebSearch", "TodoWrite", "NotebookEdit",
}

// Request is one prompt execution.
type Request struct {
	Message      string
	Model        string
	Skill        *skills.Skill
	SystemPrompt string
	Agents       map[string]protocol.AgentDef
}

// Result is the outcome of one completed query.
type Result struct {
	Text     string
	CostUSD  *float64
	NumTurns *int
	Usage    *protocol.Usage
}

// eventStream is the slice of *claude.Stream the executor consumes;
// tests substitute their own.
type eventStream interface {
	Events() <-chan claude.Event
	Interrupt() error
}

// queryFn matches claude.Query, returning the narrowed stream interface.
type queryFn func(ctx context.Context, prompt string, opts ...claude.Option) (eventStream, error)

func sdkQuery(ctx context.Context, prompt string, opts ...claude.Option) (eventStream, error) {
	return claude.Query(ctx, prompt, opts...)
}

// Executor runs prompts against the assistant SDK.
type Executor struct {
	workDir  string
	store    *session.Store
	mediator *security.Mediator
	send     security.Sender
	query    queryFn

	// onSessionUpdate is notified whenever a new session id is persisted.
	onSessionUpdate func(sessionID string)

	mu        sync.Mutex
	sessionID string
	started   bool
	stream    eventStream
	cancel    context.CancelFunc
	aborted   bool
}

// New creates an executor for the given working directory. sessionID is the
// identifier loaded at startup ("" for a fresh start).
func New(workDir, sessionID string, store *session.Store, mediator *security.Mediator, send security.Sender, onSessionUpdate func(string)) *Executor {
	return &Executor{
		workDir:         workDir,
		store:           store,
		mediator:        mediator,
		send:            send,
		query:           sdkQuery,
		sessionID:       sessionID,
		onSessionUpdate: onSessionUpdate,
	}
}

// SessionID returns the current session identifier, or "".
func (e *Executor) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// AdoptSessionID stores a session id provided by the server.
func (e *Executor) AdoptSessionID(id string) {
	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()

	if err := e.store.Save(id); err != nil {
		log.Printf("⚠️ Failed to persist session id: %v", err)
	}
}

// Execute runs one prompt to completion. When the SDK reports a stale
// session, the stored id is cleared and the query retried exactly once.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	result, err := e.executeOnce(ctx, req)
	if err != nil && !errors.Is(err, ErrAborted) && e.SessionID() != "" && isStaleSessionErr(err) {
		log.Printf("🔄 Stale session detected (%v), clearing and retrying once", err)
		e.clearSessionState()
		return e.executeOnce(ctx, req)
	}
	return result, err
}

// Interrupt stops the in-flight query: the SDK's native interrupt first,
// then the context is cancelled so a parked approval or a wedged subprocess
// cannot keep the query alive. Reports whether a query was actually running.
func (e *Executor) Interrupt() bool {
	e.mu.Lock()
	stream, cancel := e.stream, e.cancel
	if stream != nil {
		e.aborted = true
	}
	e.mu.Unlock()

	if stream == nil {
		return false
	}

	if err := stream.Interrupt(); err != nil {
		log.Printf("⚠️ SDK interrupt failed, falling back to abort: %v", err)
	}
	cancel()
	return true
}

func (e *Executor) executeOnce(ctx context.Context, req Request) (*Result, error) {
	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := e.query(queryCtx, req.Message, e.buildOptions(queryCtx, req)...)
	if err != nil {
		return nil, fmt.Errorf("failed to start query: %w", err)
	}

	e.mu.Lock()
	e.stream = stream
	e.cancel = cancel
	e.aborted = false
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.stream = nil
		e.cancel = nil
		e.mu.Unlock()
	}()

	chunkIndex := 0
	toolNames := make(map[string]string)
	var result *Result
	var procErr error
	var newSessionID string

	for event := range stream.Events() {
		if sid := eventSessionID(event); sid != "" && newSessionID == "" {
			newSessionID = sid
		}

		switch event.Type {
		case claude.TypeSystem:
			if event.System == nil {
				continue
			}
			switch event.System.Subtype {
			case claude.SubtypeInit:
				log.Printf("🤖 Session initialized: model=%s session=%s tools=%d",
					event.System.Model, event.System.SessionID, len(event.System.Tools))
			case "error":
				procErr = errors.New(event.System.Message)
			}

		case claude.TypeStreamEvent:
			se := event.StreamEvent
			if se == nil || se.Event.Delta == nil {
				continue
			}
			if se.Event.Delta.Type == "text_delta" && se.Event.Delta.Text != "" {
				e.send(protocol.NewStreamingChunk(se.Event.Delta.Text, chunkIndex))
				chunkIndex++
			}

		case claude.TypeAssistant:
			for _, use := range decodeToolUses(event.Raw) {
				toolNames[use.ID] = use.Name
				e.send(protocol.NewToolStatus(use.Name, "start",
					toolLabel(use.Name, "start"), toolDetail(use.Name, use.Input)))
			}

		case claude.TypeResult:
			if event.Result != nil {
				result = buildResult(event.Result)
			}

		default:
			// Tool results arrive as "user" frames, which the SDK passes
			// through raw.
			if event.Type == "user" {
				for _, id := range decodeToolResults(event.Raw) {
					if name, ok := toolNames[id]; ok {
						e.send(protocol.NewToolStatus(name, "end", toolLabel(name, "end"), ""))
						delete(toolNames, id)
					}
				}
			}
		}
	}

	e.mu.Lock()
	aborted := e.aborted
	e.mu.Unlock()
	if aborted || queryCtx.Err() != nil {
		return nil, ErrAborted
	}
	if result == nil {
		if procErr != nil {
			return nil, procErr
		}
		return nil, errors.New("assistant finished without a result")
	}

	e.finishQuery(newSessionID)
	return result, nil
}

// buildOptions assembles the SDK options for one request.
func (e *Executor) buildOptions(queryCtx context.Context, req Request) []claude.Option {
	opts := []claude.Option{
		claude.WithCWD(e.workDir),
		claude.WithIncludePartialMessages(),
		claude.WithEnv(map[string]string{"NO_COLOR": "1"}),
		claude.WithPermissionHandler(e.permissionHandler(queryCtx)),
		// The SDK defaults to bypassPermissions; this agent gates every
		// tool call itself.
		func(o *claude.Options) {
			o.PermissionMode = claude.PermissionModeDefault
			o.AllowDangerouslySkipPermissions = false
		},
	}

	allowedTools := globalAllowedTools
	if req.Skill != nil && len(req.Skill.AllowedTools) > 0 {
		allowedTools = req.Skill.AllowedTools
	}
	opts = append(opts, claude.WithAllowedTools(allowedTools...))

	if req.Model != "" {
		opts = append(opts, claude.WithModel(req.Model))
	}

	if prompt := combineSystemPrompts(req); prompt != "" {
		opts = append(opts, claude.WithAppendSystemPrompt(prompt))
	}

	if len(req.Agents) > 0 {
		agents := make(map[string]claude.AgentDefinition, len(req.Agents))
		for name, def := range req.Agents {
			agents[name] = claude.AgentDefinition{
				Description: def.Description,
				Prompt:      def.Prompt,
				Tools:       def.Tools,
				Model:       def.Model,
			}
		}
		opts = append(opts, claude.WithAgents(agents))
	}

	// Resumption: explicit resume when a session id is stored, continue the
	// most recent conversation after a first query in this process, fresh
	// otherwise.
	e.mu.Lock()
	sessionID, started := e.sessionID, e.started
	e.mu.Unlock()

	switch {
	case sessionID != "":
		opts = append(opts, claude.WithSessionID(sessionID))
	case started:
		opts = append(opts, claude.WithContinue())
	}

	return opts
}

// permissionHandler adapts the security mediator to the SDK's callback.
// queryCtx doubles as the abort signal for a pending approval.
func (e *Executor) permissionHandler(queryCtx context.Context) claude.PermissionHandler {
	return func(toolName string, input json.RawMessage, _ claude.PermissionContext) claude.PermissionResult {
		allowed, message := e.mediator.CanUseTool(queryCtx, toolName, input)
		if allowed {
			return claude.PermissionResult{Behavior: "allow"}
		}
		return claude.PermissionResult{Behavior: "deny", Message: message}
	}
}

// finishQuery records that a query completed and persists a newly reported
// session id.
func (e *Executor) finishQuery(newSessionID string) {
	e.mu.Lock()
	changed := newSessionID != "" && newSessionID != e.sessionID
	if changed {
		e.sessionID = newSessionID
	}
	e.started = true
	e.mu.Unlock()

	if changed {
		if err := e.store.Save(newSessionID); err != nil {
			log.Printf("⚠️ Failed to persist session id: %v", err)
		}
		if e.onSessionUpdate != nil {
			e.onSessionUpdate(newSessionID)
		}
	}
}

func (e *Executor) clearSessionState() {
	e.mu.Lock()
	e.sessionID = ""
	e.started = false
	e.mu.Unlock()

	if err := e.store.Clear(); err != nil {
		log.Printf("⚠️ Failed to clear session file: %v", err)
	}
}

// isStaleSessionErr matches SDK failures caused by resuming a session the
// CLI no longer knows about.
func isStaleSessionErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "session") || strings.Contains(msg, "not found")
}

// combineSystemPrompts joins the skill prompt and the caller prompt, skill
// first, separated by a blank line.
func combineSystemPrompts(req Request) string {
	var parts []string
	if req.Skill != nil && req.Skill.SystemPrompt != "" {
		parts = append(parts, req.Skill.SystemPrompt)
	}
	if req.SystemPrompt != "" {
		parts = append(parts, req.SystemPrompt)
	}
	return strings.Join(parts, "\n\n")
}

// eventSessionID pulls the session id off whichever event type carries one.
func eventSessionID(event claude.Event) string {
	switch {
	case event.System != nil:
		return event.System.SessionID
	case event.Assistant != nil:
		return event.Assistant.SessionID
	case event.StreamEvent != nil:
		return event.StreamEvent.SessionID
	case event.Result != nil:
		return event.Result.SessionID
	}
	return ""
}

// buildResult converts the SDK's terminal result into an ExecuteResult.
// Error subtypes still carry cost and turn counts.
func buildResult(r *claude.Result) *Result {
	cost := r.TotalCostUSD
	turns := r.NumTurns
	result := &Result{
		CostUSD:  &cost,
		NumTurns: &turns,
		Usage: &protocol.Usage{
			InputTokens:              r.Usage.InputTokens,
			OutputTokens:             r.Usage.OutputTokens,
			CacheReadInputTokens:     r.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: r.Usage.CacheCreationInputTokens,
		},
	}

	if r.IsError {
		msg := r.Subtype
		if len(r.Errors) > 0 {
			msg = strings.Join(r.Errors, ", ")
		}
		result.Text = ErrorPrefix + msg
	} else {
		result.Text = r.Result
	}
	return result
}
