package security

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nestoz/vibecheck-agent/internal/protocol"
)

func TestTrustedPathBoundaries(t *testing.T) {
	set := NewTrustedPathSet("/a/b")

	tests := []struct {
		path    string
		trusted bool
	}{
		{"/a/b", true},
		{"/a/b/c", true},
		{"/a/b/c/d.txt", true},
		{"/a/bc", false},
		{"/a", false},
		{"/outside", false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.trusted, set.IsTrusted(tt.path), "path %s", tt.path)
	}
}

func TestTrustedPathRelativeResolution(t *testing.T) {
	set := NewTrustedPathSet("/work")

	// Relative paths are anchored at the working directory.
	require.True(t, set.IsTrusted("./src/main.go"))
	require.True(t, set.IsTrusted("src"))
	require.False(t, set.IsTrusted("../elsewhere"))
}

func TestTrustedPathAddIdempotent(t *testing.T) {
	set := NewTrustedPathSet("/work")
	set.Add("/outside")
	set.Add("/outside")

	require.Len(t, set.paths, 2) // workDir + /outside
	require.True(t, set.IsTrusted("/outside/deep/file.txt"))
}

func TestIsSafeCommand(t *testing.T) {
	tests := []struct {
		command string
		safe    bool
	}{
		{"ls", true},
		{"ls -la /etc", true},
		{"  git status  ", true},
		{"git log --oneline -5", true},
		{"git diff HEAD~1", true},
		{"cat /proc/cpuinfo", true},
		{"top -bn1", true},
		{"nvidia-smi", true},
		{"git push origin main", false},
		{"lsof -i :8080", false}, // "ls" prefix but not "ls "
		{"rm -rf /", false},
		{"cat /etc/passwd", false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.safe, IsSafeCommand(tt.command), "command %q", tt.command)
	}
}

func TestExtractShellPaths(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{"absolute", "cat /etc/passwd", []string{"/etc/passwd"}},
		{"relative", "cat ./notes.txt", []string{"./notes.txt"}},
		{"parent", "cp ../secret.txt .", []string{"../secret.txt"}},
		{"mixed", "cp /tmp/a.txt ./b.txt", []string{"/tmp/a.txt", "./b.txt"}},
		{"deduplicated", "diff /x/a /x/a", []string{"/x/a"}},
		{"none", "echo hello world", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExtractShellPaths(tt.command))
		})
	}
}

func TestExtractToolPaths(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  []string
	}{
		{"read", "Read", map[string]any{"file_path": "/work/a.go"}, []string{"/work/a.go"}},
		{"write", "Write", map[string]any{"file_path": "/outside/x.txt"}, []string{"/outside/x.txt"}},
		{"glob", "Glob", map[string]any{"pattern": "*.go", "path": "/work/src"}, []string{"/work/src"}},
		{"bash", "Bash", map[string]any{"command": "cat /etc/hosts"}, []string{"/etc/hosts"}},
		{"no_paths", "WebSearch", map[string]any{"query": "golang"}, nil},
		{"todo", "TodoWrite", map[string]any{"todos": []any{}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExtractToolPaths(tt.tool, tt.input))
		})
	}
}

// collectSender records outbound messages for assertions.
type collectSender struct {
	messages chan protocol.Message
}

func newCollectSender() *collectSender {
	return &collectSender{messages: make(chan protocol.Message, 16)}
}

func (c *collectSender) send(m protocol.Message) {
	c.messages <- m
}

func (c *collectSender) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-c.messages:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func TestCanUseToolTrustedPathAllowsImmediately(t *testing.T) {
	sender := newCollectSender()
	m := NewMediator("/work", sender.send)

	allowed, _ := m.CanUseTool(context.Background(), "Write",
		json.RawMessage(`{"file_path":"/work/main.go"}`))

	require.True(t, allowed)
	require.Empty(t, sender.messages)
}

func TestCanUseToolSafeCommandAllowsUntrustedPath(t *testing.T) {
	sender := newCollectSender()
	m := NewMediator("/work", sender.send)

	allowed, _ := m.CanUseTool(context.Background(), "Bash",
		json.RawMessage(`{"command":"ls -la /etc"}`))

	require.True(t, allowed)
	require.Empty(t, sender.messages)
}

func TestCanUseToolApprovalRoundTrip(t *testing.T) {
	sender := newCollectSender()
	m := NewMediator("/work", sender.send)

	type outcome struct {
		allowed bool
		message string
	}
	result := make(chan outcome, 1)

	go func() {
		allowed, msg := m.CanUseTool(context.Background(), "Write",
			json.RawMessage(`{"file_path":"/outside/x.txt"}`))
		result <- outcome{allowed, msg}
	}()

	// The mediator parks the call and asks the UI.
	req := sender.next(t).(*protocol.ApprovalRequired)
	require.Equal(t, []string{"/outside/x.txt"}, req.Paths)
	require.Equal(t, `Write: {"file_path":"/outside/x.txt"}`, req.Message)
	require.True(t, m.HasPendingApproval())

	m.ResolveApproval(true, true)

	got := <-result
	require.True(t, got.allowed)
	require.False(t, m.HasPendingApproval())

	// Permanent approval added the extracted path; the same write now
	// proceeds without a round-trip.
	allowed, _ := m.CanUseTool(context.Background(), "Write",
		json.RawMessage(`{"file_path":"/outside/x.txt"}`))
	require.True(t, allowed)
	require.Empty(t, sender.messages)
}

func TestCanUseToolDenied(t *testing.T) {
	sender := newCollectSender()
	m := NewMediator("/work", sender.send)

	result := make(chan bool, 1)
	go func() {
		allowed, _ := m.CanUseTool(context.Background(), "Edit",
			json.RawMessage(`{"file_path":"/outside/y.txt"}`))
		result <- allowed
	}()

	sender.next(t)
	m.ResolveApproval(false, false)
	require.False(t, <-result)

	// The denial clears the pending approval slot.
	require.True(t, m.HasPendingApproval() == false)
}

func TestCanUseToolAbortResolvesDeny(t *testing.T) {
	sender := newCollectSender()
	m := NewMediator("/work", sender.send)

	ctx, cancel := context.WithCancel(context.Background())

	type outcome struct {
		allowed bool
		message string
	}
	result := make(chan outcome, 1)

	go func() {
		allowed, msg := m.CanUseTool(ctx, "Write",
			json.RawMessage(`{"file_path":"/outside/z.txt"}`))
		result <- outcome{allowed, msg}
	}()

	sender.next(t)
	cancel()

	got := <-result
	require.False(t, got.allowed)
	require.Equal(t, DenyAborted, got.message)
	require.False(t, m.HasPendingApproval())
}

func TestResolveApprovalIdempotent(t *testing.T) {
	sender := newCollectSender()
	m := NewMediator("/work", sender.send)

	// No pending approval: both calls are no-ops.
	m.ResolveApproval(true, false)
	m.ResolveApproval(true, false)
	require.False(t, m.HasPendingApproval())
}

func TestApprovalMessageTruncatedAt200(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	raw, err := json.Marshal(map[string]string{"file_path": string(long)})
	require.NoError(t, err)

	msg := approvalMessage("Write", raw)
	require.Equal(t, "Write: ", msg[:7])
	require.Len(t, msg, len("Write: ")+200)
}
