package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// splitTolerance is how far the split may drift from 100% due to rounding.
const splitTolerance = 0.01

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// MaxSubjectIDLength matches the width of the stored subject id column.
const MaxSubjectIDLength = 128

// Store persists experiments, assignments and events.
//
// CreateAssignment must enforce (ExperimentID, SubjectID) uniqueness
// atomically and report a conflict as ErrAssignmentExists. UpdateExperiment
// must only apply when the stored status still equals expected and otherwise
// return ErrInvalidState.
type Store interface {
	CreateExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	UpdateExperiment(ctx context.Context, exp *Experiment, expected Status) error
	ListExperiments(ctx context.Context, opts ListOptions) ([]Experiment, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetAssignment(ctx context.Context, experimentID, subjectID string) (*Assignment, error)
	CreateAssignment(ctx context.Context, a *Assignment) error
	CreateEvent(ctx context.Context, ev *Event) error
	Tallies(ctx context.Context, experimentID string) (map[string]VariantTally, error)
}

// ListOptions filters ListExperiments. An empty Status lists every status.
type ListOptions struct {
	Status Status
	Limit  int
	// ByStartedAt orders by start time instead of creation time, newest first.
	ByStartedAt bool
}

// Notification types.
const (
	NotifyAssignment = "assignment"
	NotifyEvent      = "event"
	NotifyLifecycle  = "lifecycle"
)

// Notification describes a committed change for downstream consumers.
type Notification struct {
	Type         string    `json:"type"`
	ExperimentID string    `json:"experiment_id"`
	SubjectID    string    `json:"subject_id,omitempty"`
	VariantID    string    `json:"variant_id,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	Value        float64   `json:"value,omitempty"`
	Status       Status    `json:"status,omitempty"`
	Winner       string    `json:"winner,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher ships notifications after the store write succeeded.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// CreateRequest is the configuration of a new experiment.
type CreateRequest struct {
	Name         string             `json:"name" yaml:"name" validate:"required,max=200"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty" validate:"max=2000"`
	Variants     []Variant          `json:"variants" yaml:"variants" validate:"required,min=1,dive"`
	TrafficSplit map[string]float64 `json:"traffic_split" yaml:"traffic_split" validate:"required,min=1"`
	Audience     *AudienceFilter    `json:"target_audience,omitempty" yaml:"target_audience,omitempty"`
	StartsAt     *time.Time         `json:"starts_at,omitempty" yaml:"starts_at,omitempty"`
	EndsAt       *time.Time         `json:"ends_at,omitempty" yaml:"ends_at,omitempty"`
}

// AssignRequest asks for the variant of one subject. Context carries subject
// attributes used by the segment, category and location audience filters.
type AssignRequest struct {
	ExperimentID string
	SubjectID    string
	Context      map[string]any
}

// TrackRequest records one outcome for an assigned subject.
type TrackRequest struct {
	ExperimentID string
	SubjectID    string
	VariantID    string
	Kind         string
	Value        float64
	Metadata     map[string]any
	// OccurredAt defaults to the service clock when zero.
	OccurredAt time.Time
}

// Service is the experiment engine: lifecycle, assignment, tracking and
// analysis on top of a Store.
type Service struct {
	store     Store
	orders    OrderHistory
	publisher Publisher
	logger    *zap.Logger
	validate  *validator.Validate
	now       func() time.Time

	minSampleSize int
	alpha         float64
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMinSampleSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.minSampleSize = n
		}
	}
}

func WithSignificanceLevel(alpha float64) Option {
	return func(s *Service) {
		if alpha > 0 && alpha < 1 {
			s.alpha = alpha
		}
	}
}

// NewService builds an engine. orders may be nil when no experiment uses
// order-count targeting.
func NewService(store Store, orders OrderHistory, opts ...Option) *Service {
	s := &Service{
		store:         store,
		orders:        orders,
		logger:        zap.NewNop(),
		validate:      validator.New(),
		now:           func() time.Time { return time.Now().UTC() },
		minSampleSize: DefaultMinSampleSize,
		alpha:         DefaultSignificanceLevel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateExperiment validates req and stores a new DRAFT experiment.
func (s *Service) CreateExperiment(ctx context.Context, req CreateRequest) (*Experiment, error) {
	split, err := s.validateCreate(req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	exp := &Experiment{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Variants:    req.Variants,
		Split:       split,
		Audience:    req.Audience,
		Status:      StatusDraft,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}
	s.logger.Info("experiment created",
		zap.String("experiment_id", exp.ID),
		zap.String("name", exp.Name),
		zap.Int("variants", len(exp.Variants)))
	return exp, nil
}

func (s *Service) validateCreate(req CreateRequest) ([]Allocation, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	seen := make(map[string]struct{}, len(req.Variants))
	for _, v := range req.Variants {
		if _, dup := seen[v.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate variant id %q", ErrInvalidConfiguration, v.ID)
		}
		seen[v.ID] = struct{}{}
	}

	var total float64
	for id, pct := range req.TrafficSplit {
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return nil, fmt.Errorf("%w: traffic split for %q must be within 0-100, got %v", ErrInvalidConfiguration, id, pct)
		}
		if _, ok := seen[id]; !ok {
			return nil, fmt.Errorf("%w: traffic split references unknown variant %q", ErrInvalidConfiguration, id)
		}
		total += pct
	}
	if math.Abs(total-100) > splitTolerance {
		return nil, fmt.Errorf("%w: traffic split must equal 100%%, got %v%%", ErrInvalidConfiguration, total)
	}

	split := make([]Allocation, 0, len(req.Variants))
	for _, v := range req.Variants {
		pct, ok := req.TrafficSplit[v.ID]
		if !ok {
			return nil, fmt.Errorf("%w: variant %q has no traffic split", ErrInvalidConfiguration, v.ID)
		}
		split = append(split, Allocation{VariantID: v.ID, Percentage: pct})
	}

	if a := req.Audience; a != nil && a.MinOrders != nil && a.MaxOrders != nil && *a.MinOrders > *a.MaxOrders {
		return nil, fmt.Errorf("%w: min_orders %d exceeds max_orders %d", ErrInvalidConfiguration, *a.MinOrders, *a.MaxOrders)
	}
	if req.StartsAt != nil && req.EndsAt != nil && !req.EndsAt.After(*req.StartsAt) {
		return nil, fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidConfiguration)
	}
	return split, nil
}

// GetExperiment returns one experiment or ErrNotFound.
func (s *Service) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	return s.store.GetExperiment(ctx, id)
}

// StartExperiment moves a DRAFT experiment to RUNNING.
func (s *Service) StartExperiment(ctx context.Context, id string) (*Experiment, error) {
	return s.transition(ctx, id, StatusDraft, func(exp *Experiment, now time.Time) error {
		exp.Status = StatusRunning
		exp.StartedAt = &now
		return nil
	})
}

// StopExperiment ends a RUNNING experiment without declaring a winner.
func (s *Service) StopExperiment(ctx context.Context, id, reason string) (*Experiment, error) {
	return s.transition(ctx, id, StatusRunning, func(exp *Experiment, now time.Time) error {
		exp.Status = StatusStopped
		exp.StopReason = reason
		exp.EndedAt = &now
		return nil
	})
}

// CompleteExperiment ends a RUNNING experiment and freezes its analysis and
// winner on the record.
func (s *Service) CompleteExperiment(ctx context.Context, id string) (*Experiment, error) {
	return s.transition(ctx, id, StatusRunning, func(exp *Experiment, now time.Time) error {
		tallies, err := s.store.Tallies(ctx, exp.ID)
		if err != nil {
			return fmt.Errorf("tally experiment: %w", err)
		}
		exp.Status = StatusCompleted
		exp.EndedAt = &now
		exp.Results = Analyze(exp, tallies, s.minSampleSize, s.alpha)
		exp.Winner = exp.Results.Winner
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id string, from Status, apply func(*Experiment, time.Time) error) (*Experiment, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != from {
		return nil, fmt.Errorf("%w: experiment %s is %s, expected %s", ErrInvalidState, id, exp.Status, from)
	}

	now := s.now()
	if err := apply(exp, now); err != nil {
		return nil, err
	}
	exp.UpdatedAt = now
	if err := s.store.UpdateExperiment(ctx, exp, from); err != nil {
		return nil, err
	}

	s.logger.Info("experiment transitioned",
		zap.String("experiment_id", exp.ID),
		zap.String("from", string(from)),
		zap.String("to", string(exp.Status)),
		zap.String("winner", exp.Winner))
	s.publish(ctx, Notification{
		Type:         NotifyLifecycle,
		ExperimentID: exp.ID,
		Status:       exp.Status,
		Winner:       exp.Winner,
		At:           now,
	})
	return exp, nil
}

// active reports whether exp accepts new assignments at now.
func active(exp *Experiment, now time.Time) bool {
	if exp.Status != StatusRunning {
		return false
	}
	if exp.StartsAt != nil && now.Before(*exp.StartsAt) {
		return false
	}
	if exp.EndsAt != nil && !now.Before(*exp.EndsAt) {
		return false
	}
	return true
}

// AssignVariant returns the subject's variant, creating the assignment on
// first request. Repeated and concurrent requests converge on one variant.
func (s *Service) AssignVariant(ctx context.Context, req AssignRequest) (string, error) {
	if err := validateSubjectID(req.SubjectID); err != nil {
		return "", err
	}
	exp, err := s.store.GetExperiment(ctx, req.ExperimentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: %w", ErrExperimentNotActive, err)
		}
		return "", err
	}
	now := s.now()
	if !active(exp, now) {
		return "", fmt.Errorf("%w: experiment %s is %s", ErrExperimentNotActive, exp.ID, exp.Status)
	}

	existing, err := s.store.GetAssignment(ctx, exp.ID, req.SubjectID)
	switch {
	case err == nil:
		return existing.VariantID, nil
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	ok, err := MatchAudience(ctx, s.orders, exp.Audience, req.SubjectID, req.Context)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: subject %s, experiment %s", ErrAudienceMismatch, req.SubjectID, exp.ID)
	}

	a := &Assignment{
		ExperimentID: exp.ID,
		SubjectID:    req.SubjectID,
		VariantID:    SelectVariant(exp.Split, req.SubjectID),
		AssignedAt:   now,
	}
	if err := s.store.CreateAssignment(ctx, a); err != nil {
		if !errors.Is(err, ErrAssignmentExists) {
			return "", err
		}
		// A concurrent request won the insert; its row is authoritative.
		winner, rerr := s.store.GetAssignment(ctx, exp.ID, req.SubjectID)
		if rerr != nil {
			return "", rerr
		}
		return winner.VariantID, nil
	}

	s.logger.Debug("subject assigned",
		zap.String("experiment_id", a.ExperimentID),
		zap.String("subject_id", a.SubjectID),
		zap.String("variant_id", a.VariantID))
	s.publish(ctx, Notification{
		Type:         NotifyAssignment,
		ExperimentID: a.ExperimentID,
		SubjectID:    a.SubjectID,
		VariantID:    a.VariantID,
		At:           a.AssignedAt,
	})
	return a.VariantID, nil
}

func validateSubjectID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidSubject)
	}
	if n := utf8.RuneCountInString(id); n > MaxSubjectIDLength {
		return fmt.Errorf("%w: subject id is %d characters, limit is %d", ErrInvalidSubject, n, MaxSubjectIDLength)
	}
	return nil
}

// GetUserVariant returns the stored variant without assigning. ok is false
// when the subject has no assignment.
func (s *Service) GetUserVariant(ctx context.Context, experimentID, subjectID string) (variantID string, ok bool, err error) {
	a, err := s.store.GetAssignment(ctx, experimentID, subjectID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return a.VariantID, true, nil
}

// TrackEvent appends an event. The subject must hold an assignment for the
// experiment with the same variant.
func (s *Service) TrackEvent(ctx context.Context, req TrackRequest) error {
	kind := NormalizeKind(req.Kind)
	if kind == "" {
		return fmt.Errorf("%w: event kind is required", ErrInvalidEvent)
	}
	if math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		return fmt.Errorf("%w: event value must be finite", ErrInvalidEvent)
	}

	a, err := s.store.GetAssignment(ctx, req.ExperimentID, req.SubjectID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: subject %s has no assignment in experiment %s", ErrInvalidAssignment, req.SubjectID, req.ExperimentID)
	}
	if err != nil {
		return err
	}
	if a.VariantID != req.VariantID {
		return fmt.Errorf("%w: subject %s is assigned %s, not %s", ErrInvalidAssignment, req.SubjectID, a.VariantID, req.VariantID)
	}

	at := req.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	ev := &Event{
		ExperimentID: req.ExperimentID,
		SubjectID:    req.SubjectID,
		VariantID:    req.VariantID,
		Kind:         kind,
		Value:        req.Value,
		Metadata:     req.Metadata,
		OccurredAt:   at,
	}
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	s.publish(ctx, Notification{
		Type:         NotifyEvent,
		ExperimentID: ev.ExperimentID,
		SubjectID:    ev.SubjectID,
		VariantID:    ev.VariantID,
		Kind:         ev.Kind,
		Value:        ev.Value,
		At:           ev.OccurredAt,
	})
	return nil
}

// AnalyzeTest recomputes the experiment's statistics from stored rows.
func (s *Service) AnalyzeTest(ctx context.Context, id string) (*TestResults, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	tallies, err := s.store.Tallies(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("tally experiment: %w", err)
	}
	return Analyze(exp, tallies, s.minSampleSize, s.alpha), nil
}

// TestSummary counts assignments and events per variant.
func (s *Service) TestSummary(ctx context.Context, id string) (*Summary, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	tallies, err := s.store.Tallies(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("tally experiment: %w", err)
	}

	sum := &Summary{
		ExperimentID: exp.ID,
		Name:         exp.Name,
		Status:       exp.Status,
		StartedAt:    exp.StartedAt,
		EndedAt:      exp.EndedAt,
		Variants:     make([]VariantSummary, 0, len(exp.Variants)),
	}
	for _, v := range exp.Variants {
		t := tallies[v.ID]
		sum.TotalAssignments += t.Assignments
		sum.TotalEvents += t.Events
		sum.Variants = append(sum.Variants, VariantSummary{
			VariantID:   v.ID,
			Name:        v.Name,
			Assignments: t.Assignments,
			Events:      t.Events,
		})
	}
	return sum, nil
}

// ListTests lists experiments newest first, optionally filtered by status.
func (s *Service) ListTests(ctx context.Context, status Status, limit int) ([]Experiment, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidConfiguration, status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListExperiments(ctx, ListOptions{Status: status, Limit: limit})
}

// RunningTests lists every RUNNING experiment, most recently started first.
func (s *Service) RunningTests(ctx context.Context) ([]Experiment, error) {
	return s.store.ListExperiments(ctx, ListOptions{Status: StatusRunning, ByStartedAt: true})
}

// CleanupOldTests purges STOPPED and COMPLETED experiments that ended more
// than daysOld days ago, together with their assignments and events.
func (s *Service) CleanupOldTests(ctx context.Context, daysOld int) (int64, error) {
	if daysOld < 0 {
		return 0, fmt.Errorf("%w: daysOld must not be negative", ErrInvalidConfiguration)
	}
	cutoff := s.now().Add(-time.Duration(daysOld) * 24 * time.Hour)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup experiments: %w", err)
	}
	if n > 0 {
		s.logger.Info("old experiments purged", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

func (s *Service) publish(ctx context.Context, n Notification) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, n); err != nil {
		s.logger.Warn("publish notification failed",
			zap.String("type", n.Type),
			zap.String("experiment_id", n.ExperimentID),
			zap.Error(err))
	}
}
