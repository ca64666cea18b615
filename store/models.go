// Package store is the durable relational store: session/message/memory/state
// tables, bootstrapped on first use, backed by modernc.org/sqlite (pure Go,
// no cgo).
package store

import "time"

// Role enumerates the allowed message roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Tier enumerates memory-node compression levels.
type Tier string

const (
	TierMicro Tier = "micro"
	TierMacro Tier = "macro"
)

// Session is one roleplay session row.
type Session struct {
	UUID          string
	CharacterName string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is one immutable (except IsSummarized) turn-log row.
type Message struct {
	ID            int64
	SessionUUID   string
	Ordinal       int64
	Role          Role
	Content       string
	CreatedAt     time.Time
	IsSummarized  bool
}

// MemoryNode is one MICRO or MACRO compression node.
type MemoryNode struct {
	ID               int64
	SessionUUID      string
	Tier             Tier
	Text             string
	TimelineTag      string
	SourceMessageIDs []int64
	Merged           bool
	CreatedAt        time.Time
}

// SagaEntry is one historian long-form entry for a completed MACRO.
type SagaEntry struct {
	ID          int64
	SessionUUID string
	MacroNodeID int64
	Text        string
	CreatedAt   time.Time
}

// WorldStateSnapshot is one appended state row; the latest row per session is
// "current".
type WorldStateSnapshot struct {
	ID                int64
	SessionUUID       string
	MessageIDAtSnapshot int64
	StateJSON         string
	CreatedAt         time.Time
}

// InteractionLogEntry is one audit-trail row for a turn's director/graph/state
// decisions.
type InteractionLogEntry struct {
	ID          int64
	SessionUUID string
	MessageID   int64
	Kind        string
	PayloadJSON string
	CreatedAt   time.Time
}

// RuleFragment is one read-only rule row, co-indexed by the vector store's
// rules_memory collection.
type RuleFragment struct {
	ID       int64
	Category string
	Scope    string
	Tags     []string
	Keyword  string
	Text     string
}
