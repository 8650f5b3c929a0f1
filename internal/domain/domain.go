package domain

import "time"

// Task statuses.
const (
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
)

// SyncTask is one ingestion run. Concluded tasks are never mutated.
type SyncTask struct {
	ID           string         `json:"id"`
	Status       string         `json:"status" enum:"scheduled,running,success,failed"`
	Since        time.Time      `json:"since" format:"date-time"`
	Until        *time.Time     `json:"until,omitempty" format:"date-time"`
	Files        []DeltaFileRef `json:"files"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at" format:"date-time"`
	StartedAt    *time.Time     `json:"started_at,omitempty" format:"date-time"`
	ConcludedAt  *time.Time     `json:"concluded_at,omitempty" format:"date-time"`
}

// Concluded reports whether the task reached a terminal status.
func (t SyncTask) Concluded() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailed
}

type DeltaFileRef struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
	DownloadURL string    `json:"download_url"`
}

// ReleaseTask hands a staging graph to the downstream merge process.
type ReleaseTask struct {
	ID                  string    `json:"id"`
	URI                 string    `json:"uri"`
	SourceGraph         string    `json:"source_graph"`
	DeletesGraph        string    `json:"deletes_graph"`
	Status              string    `json:"status"`
	RepublishedSessions []string  `json:"republished_sessions,omitempty"`
	CreatedAt           time.Time `json:"created_at" format:"date-time"`
}

type DocumentRef struct {
	LogicalID        string `json:"logical_id"`
	UUID             string `json:"uuid"`
	PhysicalLocation string `json:"physical_location"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
