package handlers

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"abengine/internal/experiment"
	httpctx "abengine/internal/http/ctx"
)

var (
	metricsOnce      sync.Once
	assignmentRequests *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	eventValue       *prometheus.HistogramVec
)

// InitPrometheusMetrics registers the experiment metrics with the default
// registry. Repeated calls are no-ops.
func InitPrometheusMetrics() {
	metricsOnce.Do(func() {
		assignmentRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "abengine",
				Name:      "assignment_requests_total",
				Help:      "Assignment requests answered with a variant, repeat lookups of an existing assignment included.",
			},
			[]string{"experiment", "variant"},
		)
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "abengine",
				Name:      "events_total",
				Help:      "Tracked experiment events.",
			},
			[]string{"experiment", "variant", "kind"},
		)
		eventValue = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "abengine",
				Name:      "event_value",
				Help:      "Histogram of tracked event values.",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"experiment", "variant"},
		)
		prometheus.MustRegister(assignmentRequests, eventsTotal, eventValue)
	})
}

func recordAssignment(experimentID, variantID string) {
	if assignmentRequests == nil {
		return
	}
	assignmentRequests.WithLabelValues(experimentID, variantID).Inc()
}

func recordEvent(ev experiment.TrackRequest, kind string) {
	if eventsTotal == nil {
		return
	}
	eventsTotal.WithLabelValues(ev.ExperimentID, ev.VariantID, kind).Inc()
	if ev.Value != 0 {
		eventValue.WithLabelValues(ev.ExperimentID, ev.VariantID).Observe(ev.Value)
	}
}

type IngestEvent struct {
	Timestamp    *time.Time     `json:"timestamp,omitempty"`
	ExperimentID string         `json:"experiment_id"`
	SubjectID    string         `json:"subject_id"`
	VariantID    string         `json:"variant_id"`
	Kind         string         `json:"kind"`
	Value        float64        `json:"value,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type ingestRequest struct {
	Events []IngestEvent `json:"events"`
}

type rejectedEvent struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// maxIngestBatch caps the number of events accepted in one request.
const maxIngestBatch = 1000

// TrackEvents ingests a batch of events. Each event is validated and stored
// on its own; the response lists the ones that were rejected.
func TrackEvents(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var payload ingestRequest
		if !decodeBody(ctx, &payload) {
			return
		}
		if len(payload.Events) == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "no events provided")
			return
		}
		if len(payload.Events) > maxIngestBatch {
			errResponse(ctx, fasthttp.StatusRequestEntityTooLarge, "too many events in one batch")
			return
		}

		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()

		accepted := 0
		var rejected []rejectedEvent
		var firstErr error
		for i, ev := range payload.Events {
			req := experiment.TrackRequest{
				ExperimentID: ev.ExperimentID,
				SubjectID:    ev.SubjectID,
				VariantID:    ev.VariantID,
				Kind:         ev.Kind,
				Value:        ev.Value,
				Metadata:     ev.Metadata,
			}
			if ev.Timestamp != nil {
				req.OccurredAt = ev.Timestamp.UTC()
			}
			if err := svc.TrackEvent(reqCtx, req); err != nil {
				if errorStatus(err) == fasthttp.StatusInternalServerError {
					writeError(ctx, err)
					return
				}
				if firstErr == nil {
					firstErr = err
				}
				rejected = append(rejected, rejectedEvent{Index: i, Error: err.Error()})
				continue
			}
			accepted++
			recordEvent(req, experiment.NormalizeKind(ev.Kind))
		}

		if accepted == 0 {
			writeError(ctx, firstErr)
			return
		}
		jsonResponse(ctx, fasthttp.StatusAccepted, map[string]any{
			"status":   "accepted",
			"count":    accepted,
			"rejected": rejected,
		})
	}
}
