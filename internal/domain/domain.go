package domain

import (
	"fmt"
	"strings"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel accepts a level name in any case. WARNING is accepted as WARN.
func ParseLevel(s string) (Level, error) {
	v := Level(strings.ToUpper(strings.TrimSpace(s)))
	if v == "WARNING" {
		v = LevelWarn
	}
	if _, ok := levelRank[v]; !ok {
		return "", fmt.Errorf("unknown level %q", s)
	}
	return v, nil
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp" format:"date-time"`
	Service   string    `json:"service"`
	Level     Level     `json:"level" enum:"DEBUG,INFO,WARN,ERROR,FATAL"`
	Message   string    `json:"message"`
}

const (
	SeverityFatal    = "Fatal"
	SeverityCritical = "Critical"
	SeverityHigh     = "High"
	SeverityMedium   = "Medium"
	SeverityLow      = "Low"
)

// NormalizeSeverity maps case variants onto the canonical severity names.
func NormalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fatal":
		return SeverityFatal
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return strings.TrimSpace(s)
	}
}

type Issue struct {
	Service     string    `json:"service"`
	IssueType   string    `json:"issue_type"`
	Severity    string    `json:"severity"`
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"first_seen" format:"date-time"`
	LastSeen    time.Time `json:"last_seen,omitempty" format:"date-time"`
	Description string    `json:"description"`
	Level       Level     `json:"level,omitempty"`
}

type StepType string

const (
	StepSummary         StepType = "summary"
	StepReasoning       StepType = "reasoning_step"
	StepIssue           StepType = "issue"
	StepError           StepType = "error"
	StepAgentState      StepType = "agent_state"
	StepAgentAction     StepType = "agent_action"
	StepResolutionAgent StepType = "resolution_agent"
)

// ReasoningStep is one sequenced entry of a session narrative.
type ReasoningStep struct {
	SequenceNo  int64     `json:"sequence_no"`
	Timestamp   time.Time `json:"timestamp" format:"date-time"`
	Type        StepType  `json:"type" enum:"summary,reasoning_step,issue,error,agent_state,agent_action,resolution_agent"`
	Content     string    `json:"content"`
	ContentHTML string    `json:"content_html,omitempty"`
	TicketID    string    `json:"ticket_id,omitempty"`
}

type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

type TicketStatus string

const (
	StatusOpen       TicketStatus = "Open"
	StatusInProgress TicketStatus = "InProgress"
	StatusResolved   TicketStatus = "Resolved"
	StatusFailed     TicketStatus = "Failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s TicketStatus) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

const (
	FailureTimeout        = "Timeout"
	FailureCanceled       = "Canceled"
	FailureExecutorFailed = "ExecutorFailed"
)

type Assignee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Team string `json:"team"`
}

type KnowledgeArticle struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type Ticket struct {
	ID            string             `json:"id"`
	Dataset       string             `json:"dataset"`
	SessionID     string             `json:"session_id,omitempty"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	Priority      Priority           `json:"priority" enum:"P0,P1,P2,P3"`
	Status        TicketStatus       `json:"status" enum:"Open,InProgress,Resolved,Failed"`
	CreatedAt     string             `json:"created_at" format:"date-time"`
	UpdatedAt     string             `json:"updated_at" format:"date-time"`
	Issue         Issue              `json:"issue"`
	AssignedTo    Assignee           `json:"assigned_to"`
	KnowledgeBase []KnowledgeArticle `json:"knowledge_base"`
	ResolutionLog string             `json:"resolution_log,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Attempts      int                `json:"attempts"`
}

type StepKind string

const (
	KindWeb StepKind = "Web"
	KindCLI StepKind = "CLI"
	KindAPI StepKind = "API"
)

type RunbookStep struct {
	Order      int               `json:"order"`
	Label      string            `json:"label,omitempty"`
	Kind       StepKind          `json:"kind" enum:"Web,CLI,API"`
	Action     string            `json:"action"`
	Params     map[string]string `json:"params,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	MaxRetries int               `json:"max_retries"`
}

type Runbook struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Tags        []string      `json:"tags,omitempty" yaml:"tags"`
	Steps       []RunbookStep `json:"steps" yaml:"-"`
}

const (
	OverallSuccess = "Success"
	OverallFailed  = "Failed"
)

type StepResult struct {
	Order      int      `json:"order"`
	Kind       StepKind `json:"kind"`
	Action     string   `json:"action"`
	Status     string   `json:"status" enum:"Success,Failed"`
	Attempts   int      `json:"attempts"`
	Error      string   `json:"error,omitempty"`
	Output     string   `json:"output,omitempty"`
	StartedAt  string   `json:"started_at" format:"date-time"`
	FinishedAt string   `json:"finished_at" format:"date-time"`
}

const (
	ArtifactOutput   = "output"
	ArtifactStderr   = "stderr"
	ArtifactText     = "text"
	ArtifactPage     = "page"
	ArtifactResponse = "response"
)

type Artifact struct {
	Step    int    `json:"step"`
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type RunbookResult struct {
	Runbook       string       `json:"runbook,omitempty"`
	StepResults   []StepResult `json:"step_results"`
	OverallStatus string       `json:"overall_status" enum:"Success,Failed"`
	Artifacts     []Artifact   `json:"artifacts"`
}

// Event is an entry of the ticket audit journal.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	TicketID string `json:"ticket_id"`
	Dataset  string `json:"dataset,omitempty"`
	Payload  string `json:"payload_json"`
}
