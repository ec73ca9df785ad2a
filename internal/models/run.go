// Package models defines the domain types shared across nilmprep jobs.
package models

import "time"

// InputFile describes one CSV file taking part in a job.
type InputFile struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"` // column identifier derived from the file name
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run statuses.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one recorded execution of a batch job.
type Run struct {
	ID         string      `json:"id"`
	Command    string      `json:"command"`
	Output     string      `json:"output"`
	Rows       int         `json:"rows"`
	Columns    int         `json:"columns"`
	Status     string      `json:"status"`
	Error      string      `json:"error,omitempty"`
	Inputs     []InputFile `json:"inputs,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
