package results

import (
	"time"

	"taskrelay/internal/domain"
)

// wireRecord is the stored shape of a ResultRecord; exactly one of Progress,
// Result and Error is set, matching State.
type wireRecord struct {
	TaskID     string            `json:"task_id" yaml:"task_id"`
	State      domain.State      `json:"state" yaml:"state"`
	Progress   *domain.Progress  `json:"progress,omitempty" yaml:"progress,omitempty"`
	Result     *domain.Result    `json:"result,omitempty" yaml:"result,omitempty"`
	Error      *domain.ErrorInfo `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at" yaml:"expires_at"`
}

func toWire(r domain.ResultRecord) wireRecord {
	w := wireRecord{
		TaskID:     r.TaskID,
		State:      r.State,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		ExpiresAt:  r.ExpiresAt,
	}
	switch p := r.Payload.(type) {
	case domain.Progress:
		w.Progress = &p
	case domain.Result:
		w.Result = &p
	case domain.ErrorInfo:
		w.Error = &p
	}
	return w
}

func (w wireRecord) record() domain.ResultRecord {
	r := domain.ResultRecord{
		TaskID:     w.TaskID,
		State:      w.State,
		StartedAt:  w.StartedAt,
		FinishedAt: w.FinishedAt,
		ExpiresAt:  w.ExpiresAt,
	}
	switch {
	case w.Progress != nil:
		r.Payload = *w.Progress
	case w.Result != nil:
		r.Payload = *w.Result
	case w.Error != nil:
		r.Payload = *w.Error
	}
	return r
}
