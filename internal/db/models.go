package db

import (
	"time"

	"gorm.io/datatypes"

	"abengine/internal/experiment"
)

// Experiment is the stored form of an experiment. Variants, split and the
// audience filter are kept as JSON columns so the targeting rules can grow
// without schema changes. Timestamps are written by the engine's clock.
type Experiment struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:200;not null"`
	Description string `gorm:"size:2000"`

	Variants datatypes.JSONSlice[experiment.Variant]    `gorm:"not null"`
	Split    datatypes.JSONSlice[experiment.Allocation] `gorm:"not null"`
	Audience datatypes.JSON

	Status     string `gorm:"size:16;index;not null"`
	StopReason string `gorm:"size:500"`

	StartsAt *time.Time
	EndsAt   *time.Time

	CreatedAt time.Time  `gorm:"index;autoCreateTime:false"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime:false"`
	StartedAt *time.Time `gorm:"index"`
	EndedAt   *time.Time `gorm:"index"`

	// Results is the analysis frozen at completion.
	Results datatypes.JSON
	Winner  string `gorm:"size:64"`
}

func (Experiment) TableName() string { return "experiments" }

// Assignment is the one row per (experiment, subject). The unique index is
// what makes concurrent first assignments converge.
type Assignment struct {
	ID uint `gorm:"primaryKey"`

	ExperimentID string    `gorm:"uniqueIndex:idx_assignment_subject,priority:1;size:36;not null"`
	SubjectID    string    `gorm:"uniqueIndex:idx_assignment_subject,priority:2;size:128;not null"`
	VariantID    string    `gorm:"size:64;not null"`
	AssignedAt   time.Time `gorm:"not null"`
}

func (Assignment) TableName() string { return "experiment_assignments" }

// Event is an append-only outcome recorded against an assignment.
type Event struct {
	ID uint `gorm:"primaryKey"`

	ExperimentID string            `gorm:"index:idx_event_experiment_time,priority:1;size:36;not null"`
	SubjectID    string            `gorm:"size:128;not null"`
	VariantID    string            `gorm:"size:64;not null"`
	Kind         string            `gorm:"size:64;not null"`
	Value        float64           `gorm:"not null;default:0"`
	Metadata     datatypes.JSONMap `gorm:"type:json"`
	OccurredAt   time.Time         `gorm:"index:idx_event_experiment_time,priority:2;index;not null"`
}

func (Event) TableName() string { return "experiment_events" }

// VariantBucket stores hourly event aggregates per (experiment, variant,
// kind) for time-series charts. Filled by the aggregation worker.
type VariantBucket struct {
	ID uint `gorm:"primaryKey"`

	ExperimentID string    `gorm:"uniqueIndex:idx_variant_bucket_unique,priority:1;size:36;not null"`
	VariantID    string    `gorm:"uniqueIndex:idx_variant_bucket_unique,priority:2;size:64;not null"`
	Kind         string    `gorm:"uniqueIndex:idx_variant_bucket_unique,priority:3;size:64;not null"`
	BucketStart  time.Time `gorm:"uniqueIndex:idx_variant_bucket_unique,priority:4;not null"` // start of the hour (UTC)

	EventCount   int64   `gorm:"not null"` // events in this hour
	SubjectCount int64   `gorm:"not null"` // distinct subjects with an event
	ValueSum     float64 `gorm:"not null"` // sum of event values
}

func (VariantBucket) TableName() string { return "variant_buckets" }

// Order is the marketplace's order table. It is owned elsewhere and only
// read here for order-count targeting, so it is not part of Migrate.
type Order struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Status    string
	CreatedAt time.Time
}

func (Order) TableName() string { return "orders" }
