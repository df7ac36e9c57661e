package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("generation job not found")
	// ErrSuperseded means the attempt is no longer the generating attempt of its key,
	// either because it already finished or because the sweep failed it.
	ErrSuperseded = errors.New("attempt superseded")
)

// Store persists generation jobs. All writes are single statements, so readers
// never see a status without its result or error.
type Store struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Begin atomically moves key to generating under attemptID unless an attempt is
// already generating. It reports whether this attempt won.
//
// Works on Postgres and SQLite (ON CONFLICT ... DO UPDATE ... WHERE).
func (s *Store) Begin(ctx context.Context, key Key, attemptID string) (bool, error) {
	now := s.now()
	row := GenerationJob{
		SubjectID: key.SubjectID,
		Period:    key.Period,
		AttemptID: attemptID,
		Status:    StatusGenerating,
		StartedAt: now,
		UpdatedAt: now,
	}

	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subject_id"}, {Name: "period"}},
		DoUpdates: clause.Assignments(map[string]any{
			"attempt_id":    attemptID,
			"status":        string(StatusGenerating),
			"result":        nil,
			"error_message": nil,
			"started_at":    now,
			"finished_at":   nil,
			"updated_at":    now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "generation_jobs.status <> ?", Vars: []any{string(StatusGenerating)}},
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Complete records the result of attemptID.
func (s *Store) Complete(ctx context.Context, key Key, attemptID string, result json.RawMessage) error {
	now := s.now()
	return s.finish(ctx, key, attemptID, map[string]any{
		"status":        string(StatusCompleted),
		"result":        []byte(result),
		"error_message": nil,
		"finished_at":   now,
		"updated_at":    now,
	})
}

// Fail records a user-safe failure message for attemptID.
func (s *Store) Fail(ctx context.Context, key Key, attemptID, message string) error {
	now := s.now()
	return s.finish(ctx, key, attemptID, map[string]any{
		"status":        string(StatusFailed),
		"result":        nil,
		"error_message": message,
		"finished_at":   now,
		"updated_at":    now,
	})
}

func (s *Store) finish(ctx context.Context, key Key, attemptID string, updates map[string]any) error {
	res := s.DB.WithContext(ctx).Model(&GenerationJob{}).
		Where("subject_id = ? AND period = ? AND attempt_id = ? AND status = ?",
			key.SubjectID, key.Period, attemptID, string(StatusGenerating)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSuperseded
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key Key) (Snapshot, error) {
	var row GenerationJob
	err := s.DB.WithContext(ctx).
		Where("subject_id = ? AND period = ?", key.SubjectID, key.Period).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	return row.snapshot(), nil
}

func (s *Store) ListPeriod(ctx context.Context, period string) ([]Snapshot, error) {
	var rows []GenerationJob
	if err := s.DB.WithContext(ctx).
		Where("period = ?", period).
		Order("started_at desc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.snapshot())
	}
	return out, nil
}

// FailStale fails every attempt that has been generating for longer than maxAge.
func (s *Store) FailStale(ctx context.Context, maxAge time.Duration, message string) (int64, error) {
	now := s.now()
	res := s.DB.WithContext(ctx).Model(&GenerationJob{}).
		Where("status = ? AND started_at < ?", string(StatusGenerating), now.Add(-maxAge)).
		Updates(map[string]any{
			"status":        string(StatusFailed),
			"result":        nil,
			"error_message": message,
			"finished_at":   now,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}
