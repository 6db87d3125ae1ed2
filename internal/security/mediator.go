// Package security mediates every filesystem-touching tool call through a
// path-based approval protocol. Paths inside the trusted set proceed
// immediately; anything else blocks on an approval round-trip with the UI.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nestoz/vibecheck-agent/internal/protocol"
)

// DenyAborted is the denial message used when the query is aborted while an
// approval is pending.
const DenyAborted = "Operation aborted"

// denyByUser is the denial message for an explicit negative approval.
const denyByUser = "User denied the operation"

// Sender delivers a message to the UI through the relay connection.
type Sender func(protocol.Message)

// approvalResult carries the UI's decision to the parked tool call.
type approvalResult struct {
	approved bool
	message  string
}

// pendingApproval is the single in-flight approval round-trip.
type pendingApproval struct {
	toolName string
	input    map[string]any
	done     chan approvalResult
}

// Mediator gates tool invocations on path trust and UI approval.
// At most one approval is pending at any time; the single-flight execution
// discipline is what makes the correlation-id-free protocol safe.
type Mediator struct {
	mu      sync.Mutex
	trusted *TrustedPathSet
	pending *pendingApproval
	send    Sender
}

// NewMediator creates a mediator whose trusted set is seeded with workDir.
func NewMediator(workDir string, send Sender) *Mediator {
	return &Mediator{
		trusted: NewTrustedPathSet(workDir),
		send:    send,
	}
}

// AddTrustedPath adds a path to the trusted set for the process lifetime.
func (m *Mediator) AddTrustedPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trusted.Add(path)
}

// CanUseTool decides whether a tool call may proceed. Calls that touch only
// trusted paths (or no paths at all) are allowed immediately; safe read-only
// Bash commands are allowed even on untrusted paths. Everything else blocks
// until the UI responds or ctx is cancelled.
func (m *Mediator) CanUseTool(ctx context.Context, toolName string, rawInput json.RawMessage) (bool, string) {
	var input map[string]any
	if err := json.Unmarshal(rawInput, &input); err != nil {
		input = map[string]any{}
	}

	paths := ExtractToolPaths(toolName, input)

	m.mu.Lock()
	var untrusted []string
	for _, p := range paths {
		if !m.trusted.IsTrusted(p) {
			untrusted = append(untrusted, p)
		}
	}

	if len(untrusted) == 0 {
		m.mu.Unlock()
		return true, ""
	}

	if toolName == "Bash" {
		if cmd, ok := input["command"].(string); ok && IsSafeCommand(cmd) {
			m.mu.Unlock()
			return true, ""
		}
	}

	if m.pending != nil {
		// Single-flight execution should make this unreachable.
		m.mu.Unlock()
		log.Printf("⚠️ Approval requested while another is pending, denying %s", toolName)
		return false, denyByUser
	}

	pending := &pendingApproval{
		toolName: toolName,
		input:    input,
		done:     make(chan approvalResult, 1),
	}
	m.pending = pending
	m.mu.Unlock()

	log.Printf("🔐 Approval required for %s: %v", toolName, untrusted)
	m.send(protocol.NewApprovalRequired(untrusted, approvalMessage(toolName, rawInput)))

	select {
	case result := <-pending.done:
		if result.approved {
			return true, ""
		}
		return false, result.message
	case <-ctx.Done():
		m.clearPending(pending)
		return false, DenyAborted
	}
}

// ResolveApproval resolves the pending approval. A second call in succession
// is a no-op. When approved permanently, every path extracted from the stored
// tool input is added to the trusted set as extracted.
func (m *Mediator) ResolveApproval(approved, permanent bool) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	if pending == nil {
		m.mu.Unlock()
		return
	}

	if approved && permanent {
		for _, p := range ExtractToolPaths(pending.toolName, pending.input) {
			m.trusted.Add(p)
		}
	}
	m.mu.Unlock()

	result := approvalResult{approved: approved}
	if !approved {
		result.message = denyByUser
	}
	pending.done <- result
}

// HasPendingApproval reports whether an approval round-trip is in flight.
func (m *Mediator) HasPendingApproval() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// clearPending drops the pending slot if it still belongs to the given
// round-trip. A concurrent ResolveApproval may already have taken it.
func (m *Mediator) clearPending(pending *pendingApproval) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == pending {
		m.pending = nil
	}
}

// approvalMessage builds the human-readable approval prompt:
// "<tool>: <first-200-chars-of-JSON-input>".
func approvalMessage(toolName string, rawInput json.RawMessage) string {
	input := string(rawInput)
	if runes := []rune(input); len(runes) > 200 {
		input = string(runes[:200])
	}
	return fmt.Sprintf("%s: %s", toolName, input)
}
