package experiment

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusRunning   Status = "RUNNING"
	StatusStopped   Status = "STOPPED"
	StatusCompleted Status = "COMPLETED"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusStopped, StatusCompleted:
		return true
	}
	return false
}

// EventConversion is the event kind counted as a conversion by the analyzer.
const EventConversion = "CONVERSION"

// NormalizeKind returns the canonical upper-case form of an event kind.
func NormalizeKind(kind string) string {
	return strings.ToUpper(strings.TrimSpace(kind))
}

// Variant is one treatment arm. Config is interpreted by the caller only.
type Variant struct {
	ID     string         `json:"id" yaml:"id" validate:"required,max=64"`
	Name   string         `json:"name" yaml:"name" validate:"max=128"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Allocation is the share of traffic (0-100) routed to one variant.
type Allocation struct {
	VariantID  string  `json:"variant_id"`
	Percentage float64 `json:"percentage"`
}

// GeoFence restricts an audience to subjects within RadiusKm of a point.
type GeoFence struct {
	Lat      float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng      float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
	RadiusKm float64 `json:"radius_km" yaml:"radius_km" validate:"gt=0"`
}

// AudienceFilter holds the targeting rules of an experiment. Every configured
// dimension must match; a nil or empty dimension matches everyone.
type AudienceFilter struct {
	MinOrders    *int64    `json:"min_orders,omitempty" yaml:"min_orders,omitempty" validate:"omitempty,gte=0"`
	MaxOrders    *int64    `json:"max_orders,omitempty" yaml:"max_orders,omitempty" validate:"omitempty,gte=0"`
	Categories   []string  `json:"categories,omitempty" yaml:"categories,omitempty"`
	UserSegments []string  `json:"user_segments,omitempty" yaml:"user_segments,omitempty"`
	Location     *GeoFence `json:"location,omitempty" yaml:"location,omitempty"`
}

// Experiment is a configured A/B test.
type Experiment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Variants keeps the declared order; the first one is the control.
	Variants []Variant `json:"variants"`
	// Split follows the order of Variants.
	Split    []Allocation    `json:"traffic_split"`
	Audience *AudienceFilter `json:"target_audience,omitempty"`

	Status     Status `json:"status"`
	StopReason string `json:"stop_reason,omitempty"`

	// StartsAt and EndsAt optionally bound the window in which subjects can
	// be assigned while the experiment is running.
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Results and Winner are frozen by CompleteExperiment.
	Results *TestResults `json:"results,omitempty"`
	Winner  string       `json:"winner,omitempty"`
}

// Control returns the baseline variant, or nil for an experiment without
// variants.
func (e *Experiment) Control() *Variant {
	if len(e.Variants) == 0 {
		return nil
	}
	return &e.Variants[0]
}

// HasVariant reports whether id is one of the declared variants.
func (e *Experiment) HasVariant(id string) bool {
	for _, v := range e.Variants {
		if v.ID == id {
			return true
		}
	}
	return false
}

// Assignment is the immutable record of the variant a subject received.
type Assignment struct {
	ExperimentID string
	SubjectID    string
	VariantID    string
	AssignedAt   time.Time
}

// Event is an append-only outcome tied to an assignment.
type Event struct {
	ExperimentID string
	SubjectID    string
	VariantID    string
	Kind         string
	Value        float64
	Metadata     map[string]any
	OccurredAt   time.Time
}

// VariantTally is the raw per-variant aggregate the analyzer works from.
type VariantTally struct {
	Assignments     int64
	Events          int64
	Conversions     int64
	ConversionValue float64
}

// VariantResult is the analyzed performance of one variant.
type VariantResult struct {
	VariantID      string   `json:"variant_id"`
	Name           string   `json:"name"`
	IsControl      bool     `json:"is_control"`
	Assignments    int64    `json:"assignments"`
	Conversions    int64    `json:"conversions"`
	ConversionRate float64  `json:"conversion_rate"`
	TotalValue     float64  `json:"total_value"`
	AverageValue   float64  `json:"average_value"`
	Improvement    *float64 `json:"improvement,omitempty"`
	ZScore         *float64 `json:"z_score,omitempty"`
	PValue         *float64 `json:"p_value,omitempty"`
	IsSignificant  bool     `json:"is_significant"`
}

// TestResults is the derived statistical view of an experiment.
type TestResults struct {
	ExperimentID   string          `json:"experiment_id"`
	Status         Status          `json:"status"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Variants       []VariantResult `json:"variants"`
	Winner         string          `json:"winner,omitempty"`
	Confidence     float64         `json:"confidence"`
	Recommendation string          `json:"recommendation"`
}

// VariantSummary counts raw rows for one variant.
type VariantSummary struct {
	VariantID   string `json:"variant_id"`
	Name        string `json:"name"`
	Assignments int64  `json:"assignments"`
	Events      int64  `json:"events"`
}

// Summary is a lightweight overview of an experiment's traffic.
type Summary struct {
	ExperimentID     string           `json:"experiment_id"`
	Name             string           `json:"name"`
	Status           Status           `json:"status"`
	TotalAssignments int64            `json:"total_assignments"`
	TotalEvents      int64            `json:"total_events"`
	Variants         []VariantSummary `json:"variants"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	EndedAt          *time.Time       `json:"ended_at,omitempty"`
}
