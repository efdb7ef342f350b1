package jobs

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a translation job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "inprogress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusSuccess,
	StatusFailed,
	StatusTimeout,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// ActiveStatuses are the statuses counted against the one-active-job-per-source
// invariant. The set must match the partial index in schema.sql.
var ActiveStatuses = []Status{StatusPending, StatusInProgress}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether no further updates are expected for the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Rank places statuses on the partial order used to reject stale updates:
// pending < inprogress < terminal.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return 2
	default:
		return -1
	}
}

// Priority orders jobs for operator attention. It does not affect the
// monitoring loop; every active job owns its own polling task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority converts a string into a known Priority, defaulting to normal.
func ParsePriority(value string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(value))) {
	case PriorityLow:
		return PriorityLow, true
	case PriorityNormal, "":
		return PriorityNormal, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityUrgent:
		return PriorityUrgent, true
	default:
		return PriorityNormal, false
	}
}

// DefaultMaxRetries bounds automatic re-submission after FAILED/TIMEOUT.
const DefaultMaxRetries = 3

// Job is the authoritative local record of one translation request.
type Job struct {
	ID           int64
	InternalID   string
	RemoteJobID  string
	SourceFileID string
	OwnerID      string
	SourceURN    string

	OutputFormats     []string
	Priority          Priority
	QualityLevel      string
	CustomOptionsJSON string

	Status          Status
	Progress        float64
	ProgressMessage string
	Warnings        []string

	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	ErrorCode    string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastCheckedAt *time.Time

	ManifestJSON       string
	OutputURNsJSON     string
	QualityMetricsJSON string
}

// IsActive reports whether the job counts against the per-source invariant.
func (j *Job) IsActive() bool {
	return j.Status == StatusPending || j.Status == StatusInProgress
}

// OutputURNs decodes the stored format to URN mapping. A job that has not
// reached SUCCESS returns an empty map.
func (j *Job) OutputURNs() map[string][]string {
	if strings.TrimSpace(j.OutputURNsJSON) == "" {
		return map[string][]string{}
	}
	out := map[string][]string{}
	if err := json.Unmarshal([]byte(j.OutputURNsJSON), &out); err != nil {
		return map[string][]string{}
	}
	return out
}

// StatusUpdate is the normalized shape both the polling path and the webhook
// path feed into StateMachine.Apply.
type StatusUpdate struct {
	Status    Status
	Progress  float64
	Message   string
	Warnings  []string
	ErrorCode string
}

// StatusInfo is the read-side projection served to API clients.
type StatusInfo struct {
	Status   Status   `json:"status"`
	Progress float64  `json:"progress"`
	Message  string   `json:"message,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Info projects the job's current status.
func (j *Job) Info() StatusInfo {
	warnings := make([]string, len(j.Warnings))
	copy(warnings, j.Warnings)
	return StatusInfo{
		Status:   j.Status,
		Progress: j.Progress,
		Message:  j.ProgressMessage,
		Warnings: warnings,
	}
}

// Stats aggregates job counts per status for health output.
type Stats struct {
	Total     int
	Active    int
	Succeeded int
	Failed    int
	Timeout   int
	Cancelled int
	PerStatus map[Status]int
}
