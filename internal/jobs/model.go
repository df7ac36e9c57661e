// Package jobs implements report generation as an asynchronous job: a
// persisted per-(subject, period) state machine, a dispatcher that allows one
// in-flight attempt per key, a worker that runs the generator and is the only
// writer of terminal states, and a sweep for attempts that never finished.
package jobs

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition happens for the attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Key is the dedup key: one in-flight generation per subject and period.
type Key struct {
	SubjectID string
	Period    string
}

var (
	subjectRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	periodRe  = regexp.MustCompile(`^[0-9]{4}$`)
)

var ErrInvalidKey = errors.New("invalid subject or period")

func (k Key) Validate() error {
	if !subjectRe.MatchString(k.SubjectID) || !periodRe.MatchString(k.Period) {
		return ErrInvalidKey
	}
	return nil
}

func (k Key) String() string { return k.SubjectID + "/" + k.Period }

// GenerationJob is the persisted row. A new attempt overwrites the row in place
// with a fresh AttemptID, which supersedes the previous attempt for reads.
type GenerationJob struct {
	SubjectID    string    `gorm:"primaryKey;type:varchar(64)"`
	Period       string    `gorm:"primaryKey;type:varchar(16)"`
	AttemptID    string    `gorm:"type:varchar(36);not null"`
	Status       Status    `gorm:"type:varchar(16);not null"`
	Result       []byte    // set only when completed
	ErrorMessage *string   `gorm:"type:text"` // set only when failed
	StartedAt    time.Time `gorm:"not null"`
	FinishedAt   *time.Time
	UpdatedAt    time.Time `gorm:"not null"`
}

// Snapshot is a read-only view of one job. Result and Failure only yield a value
// for the status they belong to.
type Snapshot struct {
	Key        Key
	AttemptID  string
	Status     Status
	StartedAt  time.Time
	FinishedAt *time.Time

	result  json.RawMessage
	failure string
}

// Result returns the report when the job completed.
func (s Snapshot) Result() (json.RawMessage, bool) {
	if s.Status != StatusCompleted {
		return nil, false
	}
	return s.result, true
}

// Failure returns the user-safe failure message when the job failed.
func (s Snapshot) Failure() (string, bool) {
	if s.Status != StatusFailed {
		return "", false
	}
	return s.failure, true
}

func (j GenerationJob) snapshot() Snapshot {
	s := Snapshot{
		Key:        Key{SubjectID: j.SubjectID, Period: j.Period},
		AttemptID:  j.AttemptID,
		Status:     j.Status,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
	switch j.Status {
	case StatusCompleted:
		s.result = json.RawMessage(j.Result)
	case StatusFailed:
		if j.ErrorMessage != nil {
			s.failure = *j.ErrorMessage
		}
	}
	return s
}
