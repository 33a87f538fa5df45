package domain

import (
	"strings"
	"time"
)

// ActionType — нормализованный класс операции, совершенной источником.
type ActionType string

const (
	ActionDescribe ActionType = "describe"
	ActionList     ActionType = "list"
	ActionRead     ActionType = "read"
	ActionWrite    ActionType = "write"
	ActionDelete   ActionType = "delete"
	ActionAuth     ActionType = "auth"
	ActionAdmin    ActionType = "admin"
	ActionUnknown  ActionType = "unknown"
)

// ParseActionType приводит строку к ActionType. Неизвестные значения -> ActionUnknown.
func ParseActionType(s string) ActionType {
	switch a := ActionType(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionDescribe, ActionList, ActionRead, ActionWrite, ActionDelete, ActionAuth, ActionAdmin:
		return a
	default:
		return ActionUnknown
	}
}

// Origin — разобранный OriginTag ("decoy:<id>", "production:<system>", "audit:<source>").
type Origin string

const (
	OriginDecoy      Origin = "decoy"
	OriginProduction Origin = "production"
	OriginAudit      Origin = "audit"
)

// SecurityEvent — единица наблюдения после нормализации. Неизменяема после создания.
type SecurityEvent struct {
	ID             string                 `json:"id"`
	NaturalID      bool                   `json:"natural_id"`
	Timestamp      time.Time              `json:"timestamp"`
	SourceIdentity string                 `json:"source_identity"`
	TargetResource string                 `json:"target_resource"`
	Action         ActionType             `json:"action"`
	Operation      string                 `json:"operation,omitempty"`
	OriginTag      string                 `json:"origin_tag"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	RawPayload     map[string]interface{} `json:"raw_payload,omitempty"`
}

// OriginKind возвращает класс источника из OriginTag.
func (e *SecurityEvent) OriginKind() Origin {
	kind, _, _ := strings.Cut(e.OriginTag, ":")
	return Origin(kind)
}

// OriginRef возвращает вторую часть OriginTag (id ловушки, имя системы).
func (e *SecurityEvent) OriginRef() string {
	_, ref, _ := strings.Cut(e.OriginTag, ":")
	return ref
}

// IsDecoy — событие пришло от ловушки.
func (e *SecurityEvent) IsDecoy() bool {
	return e.OriginKind() == OriginDecoy
}

// Footprint — сжатый след события в профиле (для окна наблюдения).
type Footprint struct {
	EventID        string     `json:"event_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Action         ActionType `json:"action"`
	Operation      string     `json:"operation,omitempty"`
	OriginTag      string     `json:"origin_tag"`
	TargetResource string     `json:"target_resource"`
	UserAgent      string     `json:"user_agent,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
}

// FootprintOf строит след из события.
func FootprintOf(e *SecurityEvent) Footprint {
	return Footprint{
		EventID:        e.ID,
		Timestamp:      e.Timestamp,
		Action:         e.Action,
		Operation:      e.Operation,
		OriginTag:      e.OriginTag,
		TargetResource: e.TargetResource,
		UserAgent:      e.UserAgent,
		ErrorCode:      e.ErrorCode,
	}
}

// IsDecoy — след от ловушки.
func (f Footprint) IsDecoy() bool {
	return strings.HasPrefix(f.OriginTag, string(OriginDecoy)+":")
}
