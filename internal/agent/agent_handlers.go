package agent

import (
	"log"

	"github.com/nestoz/vibecheck-agent/internal/protocol"
	"github.com/nestoz/vibecheck-agent/internal/skills"
)

// handleFrame decodes one inbound frame and routes it by type. Decode
// failures are logged and the connection continues; unknown types are
// ignored for forward compatibility.
func (a *Agent) handleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Printf("⚠️ Failed to parse frame: %v", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Query:
		// Queries run off the receive loop so interrupt and approval
		// frames can arrive mid-flight.
		go a.handleQuery(m)
	case *protocol.Interrupt:
		a.handleInterrupt()
	case *protocol.Approval:
		a.mediator.ResolveApproval(m.Approved, m.Permanent)
	case *protocol.AddTrustedPath:
		log.Printf("🔓 Trusted path added: %s", m.Path)
		a.mediator.AddTrustedPath(m.Path)
	case *protocol.SessionInfo:
		a.handleSessionInfo(m)
	case *protocol.Ping:
		a.send(protocol.NewPong())
	case *protocol.Pong:
		// Keepalive reply, nothing to do.
	case *protocol.SkillList:
		a.send(protocol.NewSkillListResponse(skills.Infos()))
	case *protocol.ScheduleList:
		a.send(protocol.NewScheduleListResponse(a.sched.Tasks()))
	case *protocol.ScheduleAdd:
		a.handleScheduleAdd(m)
	case *protocol.ScheduleRemove:
		a.sched.RemoveTask(m.ID)
	case *protocol.ScheduleToggle:
		a.sched.ToggleTask(m.ID, m.Enabled)
	case *protocol.ErrorMessage:
		log.Printf("⚠️ Error from relay server: %s", m.Message)
	case *protocol.Unknown:
		// Forward compatibility: ignore silently.
	}
}

// handleSessionInfo adopts a server-provided session id, but only when the
// agent has none of its own.
func (a *Agent) handleSessionInfo(m *protocol.SessionInfo) {
	if m.SessionID == nil || m.Source != "server" {
		return
	}
	if a.executor.SessionID() != "" {
		return
	}
	log.Printf("💾 Adopting server session: %s", *m.SessionID)
	a.executor.AdoptSessionID(*m.SessionID)
}

func (a *Agent) handleScheduleAdd(m *protocol.ScheduleAdd) {
	task, err := a.sched.AddTask(m.Cron, m.Message, m.SkillID)
	if err != nil {
		a.send(protocol.NewScheduleAddError(err.Error()))
		return
	}
	a.send(protocol.NewScheduleAddResponse(task))
}
