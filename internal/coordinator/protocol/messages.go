// Package protocol defines the messages exchanged with clients over the
// persistent connection, their validation and the error taxonomy.
package protocol

import "encoding/json"

// Type is the tag of a wire message
type Type string

// Wire message tags
const (
	TypeConnectionEstablished Type = "connection_established"
	TypeResearchQuery         Type = "research_query"
	TypeResearchStarted       Type = "research_started"
	TypeResearchUpdate        Type = "research_update"
	TypeResearchCompleted     Type = "research_completed"
	TypeCancelResearch        Type = "cancel_research"
	TypeResearchCancelled     Type = "research_cancelled"
	TypeError                 Type = "error"
	TypePing                  Type = "ping"
	TypePong                  Type = "pong"
)

// Mode selects how much work a research query does
type Mode string

// Research modes
const (
	ModeQuick         Mode = "quick"
	ModeComprehensive Mode = "comprehensive"
	ModeContinuous    Mode = "continuous"
)

// Modes lists every mode in order of cost
var Modes = []Mode{ModeQuick, ModeComprehensive, ModeContinuous}

// Payload is implemented by every wire message body
type Payload interface {
	MessageType() Type
}

// Envelope is the framing of every message: {"type": ..., "data": {...}}
type Envelope struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Features is the tier-derived capability map sent on connect
type Features struct {
	Tier               string `json:"tier"`
	MaxConnections     int    `json:"max_connections"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
	Modes              []Mode `json:"modes"`
	Export             bool   `json:"export"`
}

// RateLimitInfo reports rate-limit status so clients can back off
type RateLimitInfo struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"` // Unix seconds
}

// ConnectionEstablished is sent once after a successful connect
type ConnectionEstablished struct {
	SessionID string   `json:"session_id"`
	Features  Features `json:"features"`
}

// ResearchQuery asks for a new research task
type ResearchQuery struct {
	Query      string   `json:"query"`
	Mode       Mode     `json:"mode"`
	FocusAreas []string `json:"focus_areas,omitempty"`
}

// ResearchStarted acknowledges a ResearchQuery
type ResearchStarted struct {
	TaskID    string         `json:"task_id"`
	RateLimit *RateLimitInfo `json:"rate_limit,omitempty"`
}

// ResearchUpdate reports progress of one agent on a task
type ResearchUpdate struct {
	TaskID   string          `json:"task_id"`
	Agent    string          `json:"agent"`
	Progress int             `json:"progress"`
	Stage    string          `json:"type"`
	Partial  json.RawMessage `json:"partial,omitempty"`
}

// ResearchCompleted carries the final results of a task
type ResearchCompleted struct {
	TaskID  string          `json:"task_id"`
	Results json.RawMessage `json:"results"`
}

// CancelResearch asks to stop a task
type CancelResearch struct {
	TaskID string `json:"task_id"`
}

// ResearchCancelled confirms a task was cancelled
type ResearchCancelled struct {
	TaskID string `json:"task_id"`
}

// ErrorMessage reports a rejected operation with a stable code
type ErrorMessage struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	RequestID  string         `json:"request_id"`
	TaskID     string         `json:"task_id,omitempty"`
	RetryAfter int64          `json:"retry_after,omitempty"` // seconds
	RateLimit  *RateLimitInfo `json:"rate_limit,omitempty"`
}

// Ping is an application-level liveness probe
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a Ping
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (ConnectionEstablished) MessageType() Type { return TypeConnectionEstablished }
func (ResearchQuery) MessageType() Type         { return TypeResearchQuery }
func (ResearchStarted) MessageType() Type       { return TypeResearchStarted }
func (ResearchUpdate) MessageType() Type        { return TypeResearchUpdate }
func (ResearchCompleted) MessageType() Type     { return TypeResearchCompleted }
func (CancelResearch) MessageType() Type        { return TypeCancelResearch }
func (ResearchCancelled) MessageType() Type     { return TypeResearchCancelled }
func (ErrorMessage) MessageType() Type          { return TypeError }
func (Ping) MessageType() Type                  { return TypePing }
func (Pong) MessageType() Type                  { return TypePong }
