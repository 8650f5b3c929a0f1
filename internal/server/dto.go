package server

import (
	"time"

	"deltasync/internal/domain"
	"deltasync/internal/engine"
)

type IngestResponse struct {
	Outcome string           `json:"outcome" enum:"scheduled,already_scheduled,in_progress"`
	Task    domain.SyncTask  `json:"task"`
	Running *domain.SyncTask `json:"running,omitempty"`
}

type TaskList struct {
	Items []domain.SyncTask `json:"items"`
}

type WatermarkResponse struct {
	Watermark time.Time        `json:"watermark" format:"date-time"`
	Running   *domain.SyncTask `json:"running,omitempty"`
	Tasks     map[string]int   `json:"tasks"`
}

type EventList struct {
	Items []domain.Event `json:"items"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

func ingestResponse(res engine.TriggerResult) IngestResponse {
	return IngestResponse{
		Outcome: string(res.Outcome),
		Task:    res.Task,
		Running: res.Running,
	}
}

func nonNilTasks(tasks []domain.SyncTask) []domain.SyncTask {
	if tasks == nil {
		return []domain.SyncTask{}
	}
	return tasks
}

func nonNilEvents(evts []domain.Event) []domain.Event {
	if evts == nil {
		return []domain.Event{}
	}
	return evts
}
