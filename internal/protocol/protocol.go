// Package protocol defines the JSON wire messages exchanged between the
// agent and the relay server. Every frame is a single JSON object with a
// mandatory "type" discriminator; all other fields are type-specific.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a wire message.
type MessageType string

const (
	// Bidirectional keepalive
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// Agent → Server
	TypeResponse             MessageType = "response"
	TypeStreamingChunk       MessageType = "streaming_chunk"
	TypeToolStatus           MessageType = "tool_status"
	TypeApprovalRequired     MessageType = "approval_required"
	TypeSessionSync          MessageType = "session_sync"
	TypeSessionUpdate        MessageType = "session_update"
	TypeSkillListResponse    MessageType = "skill_list_response"
	TypeScheduleListResponse MessageType = "schedule_list_response"
	TypeScheduleAddResponse  MessageType = "schedule_add_response"

	// Server → Agent
	TypeQuery          MessageType = "query"
	TypeApproval       MessageType = "approval"
	TypeAddTrustedPath MessageType = "add_trusted_path"
	TypeInterrupt      MessageType = "interrupt"
	TypeSessionInfo    MessageType = "session_info"
	TypeSkillList      MessageType = "skill_list"
	TypeScheduleAdd    MessageType = "schedule_add"
	TypeScheduleRemove MessageType = "schedule_remove"
	TypeScheduleToggle MessageType = "schedule_toggle"
	TypeScheduleList   MessageType = "schedule_list"
	TypeError          MessageType = "error"
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() MessageType
}

// ImageData is a base64-encoded image attached to a response.
type ImageData struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// Usage is the token breakdown reported with a completed query.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// SkillInfo is the wire representation of a skill preset.
type SkillInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
}

// ScheduledTask is a cron-scheduled prompt. The same shape is persisted to
// schedules.json and sent in schedule_list_response frames.
type ScheduledTask struct {
	ID         string `json:"id"`
	Cron       string `json:"cron"`
	Message    string `json:"message"`
	SkillID    string `json:"skill_id,omitempty"`
	Enabled    bool   `json:"enabled"`
	CreatedAt  string `json:"created_at"`
	LastRun    string `json:"last_run,omitempty"`
	LastResult string `json:"last_result,omitempty"`
}

// AgentDef is a custom sub-agent definition passed through a query.
type AgentDef struct {
	Description string   `json:"description,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// ─── Keepalive ───────────────────────────────────────────────────────────────

type Ping struct {
	Type MessageType `json:"type"`
}

func NewPing() *Ping { return &Ping{Type: TypePing} }

func (*Ping) MessageType() MessageType { return TypePing }

type Pong struct {
	Type MessageType `json:"type"`
}

func NewPong() *Pong { return &Pong{Type: TypePong} }

func (*Pong) MessageType() MessageType { return TypePong }

// ─── Agent → Server ──────────────────────────────────────────────────────────

// Response is the terminal message for one query or scheduled task.
// Optional fields are omitted entirely when absent.
type Response struct {
	Type     MessageType `json:"type"`
	Result   string      `json:"result"`
	Images   []ImageData `json:"images,omitempty"`
	CostUSD  *float64    `json:"cost_usd,omitempty"`
	NumTurns *int        `json:"num_turns,omitempty"`
	Usage    *Usage      `json:"usage,omitempty"`
}

func NewResponse(result string) *Response {
	return &Response{Type: TypeResponse, Result: result}
}

func (*Response) MessageType() MessageType { return TypeResponse }

// StreamingChunk is one incremental text delta of an in-flight query.
type StreamingChunk struct {
	Type  MessageType `json:"type"`
	Delta string      `json:"delta"`
	Index int         `json:"index"`
}

func NewStreamingChunk(delta string, index int) *StreamingChunk {
	return &StreamingChunk{Type: TypeStreamingChunk, Delta: delta, Index: index}
}

func (*StreamingChunk) MessageType() MessageType { return TypeStreamingChunk }

// ToolStatus reports the start or end of one tool use.
type ToolStatus struct {
	Type   MessageType `json:"type"`
	Tool   string      `json:"tool"`
	Status string      `json:"status"`
	Label  string      `json:"label"`
	Detail string      `json:"detail,omitempty"`
}

func NewToolStatus(tool, status, label, detail string) *ToolStatus {
	return &ToolStatus{Type: TypeToolStatus, Tool: tool, Status: status, Label: label, Detail: detail}
}

func (*ToolStatus) MessageType() MessageType { return TypeToolStatus }

// ApprovalRequired asks the UI to approve a tool call touching untrusted paths.
type ApprovalRequired struct {
	Type    MessageType `json:"type"`
	Paths   []string    `json:"paths"`
	Message string      `json:"message"`
}

func NewApprovalRequired(paths []string, message string) *ApprovalRequired {
	return &ApprovalRequired{Type: TypeApprovalRequired, Paths: paths, Message: message}
}

func (*ApprovalRequired) MessageType() MessageType { return TypeApprovalRequired }

// SessionSync announces the working directory and loaded session id on connect.
// SessionID is null when no session has been established yet.
type SessionSync struct {
	Type      MessageType `json:"type"`
	WorkDir   string      `json:"work_dir"`
	SessionID *string     `json:"session_id"`
}

func NewSessionSync(workDir string, sessionID *string) *SessionSync {
	return &SessionSync{Type: TypeSessionSync, WorkDir: workDir, SessionID: sessionID}
}

func (*SessionSync) MessageType() MessageType { return TypeSessionSync }

// SessionUpdate notifies the server that the SDK reported a new session id.
type SessionUpdate struct {
	Type      MessageType `json:"type"`
	WorkDir   string      `json:"work_dir"`
	SessionID string      `json:"session_id"`
}

func NewSessionUpdate(workDir, sessionID string) *SessionUpdate {
	return &SessionUpdate{Type: TypeSessionUpdate, WorkDir: workDir, SessionID: sessionID}
}

func (*SessionUpdate) MessageType() MessageType { return TypeSessionUpdate }

type SkillListResponse struct {
	Type   MessageType `json:"type"`
	Skills []SkillInfo `json:"skills"`
}

func NewSkillListResponse(skills []SkillInfo) *SkillListResponse {
	return &SkillListResponse{Type: TypeSkillListResponse, Skills: skills}
}

func (*SkillListResponse) MessageType() MessageType { return TypeSkillListResponse }

type ScheduleListResponse struct {
	Type  MessageType     `json:"type"`
	Tasks []ScheduledTask `json:"tasks"`
}

func NewScheduleListResponse(tasks []ScheduledTask) *ScheduleListResponse {
	return &ScheduleListResponse{Type: TypeScheduleListResponse, Tasks: tasks}
}

func (*ScheduleListResponse) MessageType() MessageType { return TypeScheduleListResponse }

// ScheduleAddResponse reports the outcome of a schedule_add request.
type ScheduleAddResponse struct {
	Type    MessageType    `json:"type"`
	Success bool           `json:"success"`
	Task    *ScheduledTask `json:"task,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func NewScheduleAddResponse(task *ScheduledTask) *ScheduleAddResponse {
	return &ScheduleAddResponse{Type: TypeScheduleAddResponse, Success: true, Task: task}
}

func NewScheduleAddError(errMsg string) *ScheduleAddResponse {
	return &ScheduleAddResponse{Type: TypeScheduleAddResponse, Success: false, Error: errMsg}
}

func (*ScheduleAddResponse) MessageType() MessageType { return TypeScheduleAddResponse }

// ─── Server → Agent ──────────────────────────────────────────────────────────

// Query asks the agent to run one prompt through the assistant.
type Query struct {
	Type         MessageType         `json:"type"`
	Message      string              `json:"message"`
	Model        string              `json:"model,omitempty"`
	SkillID      string              `json:"skill_id,omitempty"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Agents       map[string]AgentDef `json:"agents,omitempty"`
}

func (*Query) MessageType() MessageType { return TypeQuery }

// Approval resolves a pending approval_required round-trip.
type Approval struct {
	Type      MessageType `json:"type"`
	Approved  bool        `json:"approved"`
	Permanent bool        `json:"permanent,omitempty"`
}

func (*Approval) MessageType() MessageType { return TypeApproval }

type AddTrustedPath struct {
	Type MessageType `json:"type"`
	Path string      `json:"path"`
}

func (*AddTrustedPath) MessageType() MessageType { return TypeAddTrustedPath }

type Interrupt struct {
	Type MessageType `json:"type"`
}

func (*Interrupt) MessageType() MessageType { return TypeInterrupt }

// SessionInfo carries the server's view of the session id.
type SessionInfo struct {
	Type      MessageType `json:"type"`
	SessionID *string     `json:"session_id"`
	Source    string      `json:"source"`
}

func (*SessionInfo) MessageType() MessageType { return TypeSessionInfo }

type SkillList struct {
	Type MessageType `json:"type"`
}

func (*SkillList) MessageType() MessageType { return TypeSkillList }

type ScheduleAdd struct {
	Type    MessageType `json:"type"`
	Cron    string      `json:"cron"`
	Message string      `json:"message"`
	SkillID string      `json:"skill_id,omitempty"`
}

func (*ScheduleAdd) MessageType() MessageType { return TypeScheduleAdd }

type ScheduleRemove struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

func (*ScheduleRemove) MessageType() MessageType { return TypeScheduleRemove }

type ScheduleToggle struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`
	Enabled bool        `json:"enabled"`
}

func (*ScheduleToggle) MessageType() MessageType { return TypeScheduleToggle }

type ScheduleList struct {
	Type MessageType `json:"type"`
}

func (*ScheduleList) MessageType() MessageType { return TypeScheduleList }

// ErrorMessage is an error report from the relay server. Logged only.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func (*ErrorMessage) MessageType() MessageType { return TypeError }

// Unknown preserves frames whose type the agent does not recognize.
// The dispatcher ignores them for forward compatibility.
type Unknown struct {
	Type MessageType
	Raw  json.RawMessage
}

func (u *Unknown) MessageType() MessageType { return u.Type }

// ─── Codec ───────────────────────────────────────────────────────────────────

// Encode serializes a message to a JSON frame.
func Encode(m Message) ([]byte, error) {
	if u, ok := m.(*Unknown); ok {
		return u.Raw, nil
	}
	return json.Marshal(m)
}

// Decode parses one inbound frame. Frames with an unrecognized type decode to
// *Unknown rather than failing, so new server message types degrade gracefully.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var msg Message
	switch envelope.Type {
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeResponse:
		msg = &Response{}
	case TypeStreamingChunk:
		msg = &StreamingChunk{}
	case TypeToolStatus:
		msg = &ToolStatus{}
	case TypeApprovalRequired:
		msg = &ApprovalRequired{}
	case TypeSessionSync:
		msg = &SessionSync{}
	case TypeSessionUpdate:
		msg = &SessionUpdate{}
	case TypeSkillListResponse:
		msg = &SkillListResponse{}
	case TypeScheduleListResponse:
		msg = &ScheduleListResponse{}
	case TypeScheduleAddResponse:
		msg = &ScheduleAddResponse{}
	case TypeQuery:
		msg = &Query{}
	case TypeApproval:
		msg = &Approval{}
	case TypeAddTrustedPath:
		msg = &AddTrustedPath{}
	case TypeInterrupt:
		msg = &Interrupt{}
	case TypeSessionInfo:
		msg = &SessionInfo{}
	case TypeSkillList:
		msg = &SkillList{}
	case TypeScheduleAdd:
		msg = &ScheduleAdd{}
	case TypeScheduleRemove:
		msg = &ScheduleRemove{}
	case TypeScheduleToggle:
		msg = &ScheduleToggle{}
	case TypeScheduleList:
		msg = &ScheduleList{}
	case TypeError:
		msg = &ErrorMessage{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &Unknown{Type: envelope.Type, Raw: raw}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", envelope.Type, err)
	}
	return msg, nil
}
