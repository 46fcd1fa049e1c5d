package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"abengine/internal/experiment"
)

// Store implements experiment.Store on top of GORM.
type Store struct {
	db *gorm.DB
}

var _ experiment.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	row, err := toExperimentRow(exp)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *Store) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	var row Experiment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("experiment %s: %w", id, experiment.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	return fromExperimentRow(&row)
}

// UpdateExperiment writes the mutable fields of exp only while the stored
// status still equals expected.
func (s *Store) UpdateExperiment(ctx context.Context, exp *experiment.Experiment, expected experiment.Status) error {
	var results datatypes.JSON
	if exp.Results != nil {
		b, err := json.Marshal(exp.Results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		results = b
	}

	res := s.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ? AND status = ?", exp.ID, string(expected)).
		Updates(map[string]any{
			"status":      string(exp.Status),
			"stop_reason": exp.StopReason,
			"updated_at":  exp.UpdatedAt,
			"started_at":  exp.StartedAt,
			"ended_at":    exp.EndedAt,
			"results":     results,
			"winner":      exp.Winner,
		})
	if res.Error != nil {
		return fmt.Errorf("update experiment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		cur, err := s.GetExperiment(ctx, exp.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: experiment %s is %s", experiment.ErrInvalidState, exp.ID, cur.Status)
	}
	return nil
}

func (s *Store) ListExperiments(ctx context.Context, opts experiment.ListOptions) ([]experiment.Experiment, error) {
	q := s.db.WithContext(ctx).Model(&Experiment{})
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.ByStartedAt {
		q = q.Order("started_at DESC")
	} else {
		q = q.Order("created_at DESC")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var rows []Experiment
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	out := make([]experiment.Experiment, 0, len(rows))
	for i := range rows {
		exp, err := fromExperimentRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *exp)
	}
	return out, nil
}

// DeleteTerminalBefore removes stopped and completed experiments that ended
// before cutoff, together with their assignments, events and buckets.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Experiment{}).
			Where("status IN ? AND ended_at IS NOT NULL AND ended_at < ?",
				[]string{string(experiment.StatusStopped), string(experiment.StatusCompleted)}, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, model := range []any{&Assignment{}, &Event{}, &VariantBucket{}} {
			if err := tx.Where("experiment_id IN ?", ids).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("id IN ?", ids).Delete(&Experiment{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete experiments: %w", err)
	}
	return deleted, nil
}

func (s *Store) GetAssignment(ctx context.Context, experimentID, subjectID string) (*experiment.Assignment, error) {
	var row Assignment
	err := s.db.WithContext(ctx).
		Where("experiment_id = ? AND subject_id = ?", experimentID, subjectID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("assignment %s/%s: %w", experimentID, subjectID, experiment.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &experiment.Assignment{
		ExperimentID: row.ExperimentID,
		SubjectID:    row.SubjectID,
		VariantID:    row.VariantID,
		AssignedAt:   row.AssignedAt,
	}, nil
}

func (s *Store) CreateAssignment(ctx context.Context, a *experiment.Assignment) error {
	row := &Assignment{
		ExperimentID: a.ExperimentID,
		SubjectID:    a.SubjectID,
		VariantID:    a.VariantID,
		AssignedAt:   a.AssignedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return experiment.ErrAssignmentExists
		}
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

func (s *Store) CreateEvent(ctx context.Context, ev *experiment.Event) error {
	row := &Event{
		ExperimentID: ev.ExperimentID,
		SubjectID:    ev.SubjectID,
		VariantID:    ev.VariantID,
		Kind:         ev.Kind,
		Value:        ev.Value,
		Metadata:     datatypes.JSONMap(ev.Metadata),
		OccurredAt:   ev.OccurredAt,
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// Tallies aggregates assignments and events per variant in the database.
func (s *Store) Tallies(ctx context.Context, experimentID string) (map[string]experiment.VariantTally, error) {
	var assigned []struct {
		VariantID string
		N         int64
	}
	if err := s.db.WithContext(ctx).Model(&Assignment{}).
		Select("variant_id, count(*) AS n").
		Where("experiment_id = ?", experimentID).
		Group("variant_id").
		Scan(&assigned).Error; err != nil {
		return nil, fmt.Errorf("count assignments: %w", err)
	}

	var events []struct {
		VariantID       string
		Events          int64
		Conversions     int64
		ConversionValue float64
	}
	if err := s.db.WithContext(ctx).Model(&Event{}).
		Select(`variant_id, count(*) AS events,
			coalesce(sum(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0) AS conversions,
			coalesce(sum(CASE WHEN kind = ? THEN value ELSE 0.0 END), 0.0) AS conversion_value`,
			experiment.EventConversion, experiment.EventConversion).
		Where("experiment_id = ?", experimentID).
		Group("variant_id").
		Scan(&events).Error; err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	out := make(map[string]experiment.VariantTally, len(assigned))
	for _, r := range assigned {
		t := out[r.VariantID]
		t.Assignments = r.N
		out[r.VariantID] = t
	}
	for _, r := range events {
		t := out[r.VariantID]
		t.Events = r.Events
		t.Conversions = r.Conversions
		t.ConversionValue = r.ConversionValue
		out[r.VariantID] = t
	}
	return out, nil
}

// isUniqueViolation recognises a duplicate key from Postgres (SQLSTATE 23505)
// or from a dialector with TranslateError enabled.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toExperimentRow(exp *experiment.Experiment) (*Experiment, error) {
	row := &Experiment{
		ID:          exp.ID,
		Name:        exp.Name,
		Description: exp.Description,
		Variants:    datatypes.JSONSlice[experiment.Variant](exp.Variants),
		Split:       datatypes.JSONSlice[experiment.Allocation](exp.Split),
		Status:      string(exp.Status),
		StopReason:  exp.StopReason,
		StartsAt:    exp.StartsAt,
		EndsAt:      exp.EndsAt,
		CreatedAt:   exp.CreatedAt,
		UpdatedAt:   exp.UpdatedAt,
		StartedAt:   exp.StartedAt,
		EndedAt:     exp.EndedAt,
		Winner:      exp.Winner,
	}
	if exp.Audience != nil {
		b, err := json.Marshal(exp.Audience)
		if err != nil {
			return nil, fmt.Errorf("encode audience: %w", err)
		}
		row.Audience = b
	}
	if exp.Results != nil {
		b, err := json.Marshal(exp.Results)
		if err != nil {
			return nil, fmt.Errorf("encode results: %w", err)
		}
		row.Results = b
	}
	return row, nil
}

func fromExperimentRow(row *Experiment) (*experiment.Experiment, error) {
	exp := &experiment.Experiment{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Variants:    []experiment.Variant(row.Variants),
		Split:       []experiment.Allocation(row.Split),
		Status:      experiment.Status(row.Status),
		StopReason:  row.StopReason,
		StartsAt:    utcPtr(row.StartsAt),
		EndsAt:      utcPtr(row.EndsAt),
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
		StartedAt:   utcPtr(row.StartedAt),
		EndedAt:     utcPtr(row.EndedAt),
		Winner:      row.Winner,
	}
	if len(row.Audience) > 0 && string(row.Audience) != "null" {
		exp.Audience = &experiment.AudienceFilter{}
		if err := json.Unmarshal(row.Audience, exp.Audience); err != nil {
			return nil, fmt.Errorf("decode audience of %s: %w", row.ID, err)
		}
	}
	if len(row.Results) > 0 && string(row.Results) != "null" {
		exp.Results = &experiment.TestResults{}
		if err := json.Unmarshal(row.Results, exp.Results); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", row.ID, err)
		}
	}
	return exp, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
