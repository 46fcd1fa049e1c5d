package handlers

import (
	"time"

	"abengine/internal/experiment"
)

// experimentView is the JSON shape of an experiment on the admin API.
type experimentView struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Description  string                     `json:"description,omitempty"`
	Variants     []experiment.Variant       `json:"variants"`
	TrafficSplit map[string]float64         `json:"traffic_split"`
	Audience     *experiment.AudienceFilter `json:"target_audience,omitempty"`
	Status       experiment.Status          `json:"status"`
	StopReason   string                     `json:"stop_reason,omitempty"`
	StartsAt     *time.Time                 `json:"starts_at,omitempty"`
	EndsAt       *time.Time                 `json:"ends_at,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
	StartedAt    *time.Time                 `json:"started_at,omitempty"`
	EndedAt      *time.Time                 `json:"ended_at,omitempty"`
	Results      *experiment.TestResults    `json:"results,omitempty"`
	Winner       string                     `json:"winner,omitempty"`
}

func toExperimentView(exp *experiment.Experiment) experimentView {
	split := make(map[string]float64, len(exp.Split))
	for _, a := range exp.Split {
		split[a.VariantID] = a.Percentage
	}
	return experimentView{
		ID:           exp.ID,
		Name:         exp.Name,
		Description:  exp.Description,
		Variants:     exp.Variants,
		TrafficSplit: split,
		Audience:     exp.Audience,
		Status:       exp.Status,
		StopReason:   exp.StopReason,
		StartsAt:     exp.StartsAt,
		EndsAt:       exp.EndsAt,
		CreatedAt:    exp.CreatedAt,
		UpdatedAt:    exp.UpdatedAt,
		StartedAt:    exp.StartedAt,
		EndedAt:      exp.EndedAt,
		Results:      exp.Results,
		Winner:       exp.Winner,
	}
}

func toExperimentViews(exps []experiment.Experiment) []experimentView {
	out := make([]experimentView, 0, len(exps))
	for i := range exps {
		out = append(out, toExperimentView(&exps[i]))
	}
	return out
}
