package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one scrape over a list of targets.
type Run struct {
	ID         string          `json:"id"`
	Status     RunStatus       `json:"status"`
	Targets    []Target        `json:"targets"`
	ParseBrand bool            `json:"parse_brand"`
	Records    int             `json:"records"`
	Summaries  json.RawMessage `json:"summaries,omitempty"`
	Error      *string         `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}
