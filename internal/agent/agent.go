// Package agent wires the relay connection to the query executor, security
// mediator, and scheduler. It owns the WebSocket, the single-flight
// execution slot, and the reconnect supervisor.
package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"nhooyr.io/websocket"

	"github.com/nestoz/vibecheck-agent/internal/config"
	"github.com/nestoz/vibecheck-agent/internal/executor"
	"github.com/nestoz/vibecheck-agent/internal/protocol"
	"github.com/nestoz/vibecheck-agent/internal/scheduler"
	"github.com/nestoz/vibecheck-agent/internal/screenshot"
	"github.com/nestoz/vibecheck-agent/internal/security"
	"github.com/nestoz/vibecheck-agent/internal/session"
	"github.com/nestoz/vibecheck-agent/internal/workspace"
)

const (
	// reconnectDelay is the fixed wait between connection attempts.
	reconnectDelay = 5 * time.Second

	// pingInterval is how often the agent emits protocol-level pings.
	pingInterval = 15 * time.Second

	// writeTimeout is the max time to write one frame.
	writeTimeout = 10 * time.Second

	// maxMessageSize is the maximum inbound frame size (10 MB; responses
	// with base64 images can be large).
	maxMessageSize = 10 * 1024 * 1024

	// snapshotTimeout bounds the workspace image snapshot around a query.
	snapshotTimeout = 2 * time.Second
)

// queryExecutor is the slice of the executor the agent drives.
type queryExecutor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
	Interrupt() bool
	SessionID() string
	AdoptSessionID(id string)
}

// Agent is the long-running daemon bridging the relay server to a local
// Claude Code session in one working directory.
type Agent struct {
	cfg      *config.Config
	store    *session.Store
	mediator *security.Mediator
	executor queryExecutor
	sched    *scheduler.Scheduler
	observer *workspace.Observer
	capturer screenshot.Capturer

	conn   *websocket.Conn
	connMu sync.Mutex

	// send delivers one outbound frame. Defaults to writeFrame; tests
	// substitute a recorder.
	send func(protocol.Message)

	// processing is the single-flight execution slot. Exactly one query or
	// scheduled task may hold it.
	processing atomic.Bool

	// pendingTasks queues scheduled tasks that fired while the slot was
	// busy, drained FIFO one task per release.
	pendingTasks []protocol.ScheduledTask
	pendingMu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an agent with state files under ~/.vibecheck.
func New(cfg *config.Config) *Agent {
	return newAgent(cfg, session.DefaultDir())
}

func newAgent(cfg *config.Config, stateDir string) *Agent {
	a := &Agent{cfg: cfg, ctx: context.Background()}
	a.send = a.writeFrame

	// sink reads a.send at call time so collaborators follow overrides.
	sink := func(m protocol.Message) { a.send(m) }

	a.store = session.NewStore(stateDir, cfg.WorkDir)

	sessionID := ""
	if !cfg.NewSession {
		sessionID = a.store.Load()
	}
	if sessionID != "" {
		log.Printf("💾 Loaded session: %s", sessionID)
	}

	a.mediator = security.NewMediator(cfg.WorkDir, sink)
	a.executor = executor.New(cfg.WorkDir, sessionID, a.store, a.mediator, sink, func(id string) {
		a.send(protocol.NewSessionUpdate(cfg.WorkDir, id))
	})
	a.sched = scheduler.New(stateDir, a.handleTaskFire)
	a.observer = workspace.NewObserver(cfg.WorkDir)
	a.capturer = screenshot.NewBrowserCapturer()

	return a
}

// Start runs the agent until an OS termination signal arrives.
func (a *Agent) Start() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	a.ctx = ctx
	a.cancel = cancel

	log.Printf("🚀 VibeCheck Agent starting (dir: %s)", a.cfg.WorkDir)

	a.runForever(ctx)

	log.Println("Shutting down...")
	a.sched.Stop()
	a.observer.Stop()
	return nil
}

// runForever reconnects with a fixed delay until the context is cancelled.
// connectAndServe recovers its own panics so one failure never crashes the
// agent.
func (a *Agent) runForever(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		a.connectAndServe(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// connectAndServe dials the relay, announces the session, and pumps inbound
// frames until the socket dies.
func (a *Agent) connectAndServe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("💥 Recovered from connection panic: %v", r)
		}
	}()

	url := fmt.Sprintf("%s?key=%s", a.cfg.ServerURL, a.cfg.APIKey)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		log.Printf("❌ Failed to connect: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	a.setConn(conn)
	defer func() {
		a.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}()

	log.Println("✅ Connected to relay server")

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go a.pingLoop(pingCtx)

	a.sendSessionSync()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("❌ Disconnected from relay server: %v", err)
			}
			return
		}
		a.handleFrame(data)
	}
}

// pingLoop emits protocol-level pings on a fixed interval until the
// connection goes away.
func (a *Agent) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.send(protocol.NewPing())
		}
	}
}

// sendSessionSync announces the working directory and any loaded session id.
func (a *Agent) sendSessionSync() {
	var sessionID *string
	if id := a.executor.SessionID(); id != "" {
		sessionID = &id
	}
	a.send(protocol.NewSessionSync(a.cfg.WorkDir, sessionID))
}

func (a *Agent) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}

// writeFrame delivers one frame best-effort: frames are dropped silently
// when the socket is not open.
func (a *Agent) writeFrame(msg protocol.Message) {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()

	if conn == nil {
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("⚠️ Failed to encode %s frame: %v", msg.MessageType(), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("⚠️ Failed to send %s frame: %v", msg.MessageType(), err)
	}
}
