package model

// Job status
type JobStatus string

const (
	JobStatusDraft     JobStatus = "draft"
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Event types
type EventType string

const (
	EventStageStarted        EventType = "stage-started"
	EventStageCompleted      EventType = "stage-completed"
	EventStageFailed         EventType = "stage-failed"
	EventLifecycleTransition EventType = "lifecycle-transition"
)

// Stage names, in pipeline order.
const (
	StageClassify  = "classify"
	StageRedact    = "redact"
	StageChunk     = "chunk"
	StageEmbed     = "embed"
	StageStore     = "store"
	StageCorrelate = "correlate"
	StageAnalyze   = "analyze"
	StageReport    = "report"
)

// Log formats detected by the classify stage.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatSyslog LogFormat = "syslog"
	LogFormatPlain  LogFormat = "plain"
)
