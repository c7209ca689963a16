// Package types holds the wire- and store-level data model shared across
// the gateway: messages, conversations, facts, tasks, outcomes, and the
// context handed to providers.
package types

import "time"

// Attachment is a piece of inbound media staged to disk for the duration
// of one pipeline run.
type Attachment struct {
	Kind  string // "image" | "voice"
	Bytes []byte
	Path  string
}

// IncomingMessage is created on ingress and never mutated afterward.
type IncomingMessage struct {
	ID          string
	Channel     string
	SenderID    string
	SenderName  string
	Text        string
	Attachments []Attachment
	ReplyTarget string
	IsGroup     bool
	ReceivedAt  time.Time
}

// ParseMode selects how a channel should render outgoing text.
type ParseMode string

const (
	ParseMarkdown ParseMode = "markdown"
	ParsePlain    ParseMode = "plain"
)

// MessageMetadata carries provider bookkeeping alongside an OutgoingMessage.
type MessageMetadata struct {
	Provider     string
	Model        string
	ProcessingMS int64
	SessionID    string
	Turns        int
	CostUSD      float64
}

// OutgoingMessage is the pipeline's rendering of a reply, prior to chunking.
type OutgoingMessage struct {
	Text        string
	ParseMode   ParseMode
	Attachments []string
	ReplyTarget string
	Metadata    MessageMetadata
}

// HistoryEntry is one turn of a conversation's message history.
type HistoryEntry struct {
	Role string // "user" | "assistant"
	Text string
}

// McpServer identifies an MCP server a skill trigger made available for a call.
type McpServer struct {
	Name string
}

// Context is the normalized input handed to a Provider. Invariant: when
// SessionID is set, History must be empty and SystemPrompt is a minimal
// update rather than the full prompt.
type Context struct {
	SystemPrompt  string
	History       []HistoryEntry
	UserText      string
	Attachments   []Attachment
	SessionID     string
	ModelOverride string
	McpServers    []McpServer
	Project       string
}

type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation groups messages for a (channel, sender, project) tuple. At
// most one is ever "open" per tuple.
type Conversation struct {
	ID           int64
	Channel      string
	SenderID     string
	Project      string
	OpenedAt     time.Time
	LastActivity time.Time
	Status       ConversationStatus
	Summary      string
}

// Message is an append-only row belonging to a Conversation.
type Message struct {
	ID             int64
	ConversationID int64
	Role           string
	Text           string
	CreatedAt      time.Time
}

// Fact is a (sender_id, key) unique, last-writer-wins attribute.
type Fact struct {
	SenderID  string
	Key       string
	Value     string
	Source    string
	CreatedAt time.Time
}

type TaskRepeat string

const (
	RepeatNone     TaskRepeat = ""
	RepeatOnce     TaskRepeat = "once"
	RepeatDaily    TaskRepeat = "daily"
	RepeatWeekly   TaskRepeat = "weekly"
	RepeatMonthly  TaskRepeat = "monthly"
	RepeatWeekdays TaskRepeat = "weekdays"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskInFlight  TaskStatus = "in_flight"
	TaskDelivered TaskStatus = "delivered"
	TaskCancelled TaskStatus = "cancelled"
	TaskFailed    TaskStatus = "failed"
)

type TaskType string

const (
	TaskReminder TaskType = "reminder"
	TaskAction   TaskType = "action"
)

// ScheduledTask is a due-date driven unit of work claimed by exactly one
// scheduler worker via a pending -> in_flight compare-and-swap.
type ScheduledTask struct {
	ID          int64
	Channel     string
	SenderID    string
	ReplyTarget string
	Description string
	DueAt       time.Time
	Repeat      TaskRepeat
	Status      TaskStatus
	TaskType    TaskType
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

type Signal int

const (
	SignalNegative Signal = -1
	SignalNeutral  Signal = 0
	SignalPositive Signal = 1
)

// Outcome is a stored behavioral signal; the last 15 are loaded for
// relevant messages.
type Outcome struct {
	ID        int64
	SenderID  string
	Project   string
	Domain    string
	Signal    Signal
	Lesson    string
	CreatedAt time.Time
}

// Lesson is a distilled rule, deduplicated by exact content per (sender,
// project, domain); the number of lessons per domain is not capped.
type Lesson struct {
	SenderID  string
	Project   string
	Domain    string
	Content   string
	UpdatedAt time.Time
}

type AuditStatus string

const (
	AuditOK      AuditStatus = "ok"
	AuditError   AuditStatus = "error"
	AuditDenied  AuditStatus = "denied"
)

// AuditEntry is an append-only record of one accepted message's outcome.
type AuditEntry struct {
	ID            int64
	TS            time.Time
	Channel       string
	SenderID      string
	SenderName    string
	InputText     string
	OutputText    string
	Provider      string
	Model         string
	ProcessingMS  int64
	Status        AuditStatus
	DenialReason  string
}
