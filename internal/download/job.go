package download

import (
	"time"

	"github.com/google/uuid"

	"github.com/qobuzdl/server/internal/catalog"
	"github.com/qobuzdl/server/internal/processor"
)

// Job status constants representing the job lifecycle
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one queued acquisition of a track or an album.
type Job struct {
	ID           string             `json:"id"`
	Item         catalog.Item       `json:"item"`
	Type         catalog.ItemKind   `json:"type"`
	Title        string             `json:"title"`
	Status       string             `json:"status"`
	Progress     int                `json:"progress"`
	CurrentTrack string             `json:"currentTrack,omitempty"`
	Error        string             `json:"error,omitempty"`
	Summary      *processor.Summary `json:"summary,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	CompletedAt  *time.Time         `json:"completedAt,omitempty"`
}

func newJob(item catalog.Item, now time.Time) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Item:      item,
		Type:      item.Kind,
		Title:     item.Title(),
		Status:    StatusQueued,
		CreatedAt: now,
	}
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status == StatusDone || j.Status == StatusFailed
}

// subject identifies what the job acquires; two jobs with the same subject
// are duplicates.
func (j *Job) subject() string {
	return j.Item.Key()
}

// clone copies everything the worker mutates. The item payload is never
// modified after enqueue and is shared.
func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Summary != nil {
		s := *j.Summary
		s.Files = append([]string(nil), j.Summary.Files...)
		c.Summary = &s
	}
	return &c
}
