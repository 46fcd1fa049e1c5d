package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "abengine/internal/db"
	"abengine/internal/experiment"
	httpctx "abengine/internal/http/ctx"
)

// parseRange reads "hours" (float, e.g. 0.5 or 6) or "days" (int) from the
// query and returns the cutoff time. The default range is 7 days.
func parseRange(ctx *fasthttp.RequestCtx, now time.Time) time.Time {
	if h := string(ctx.QueryArgs().Peek("hours")); h != "" {
		if f, err := strconv.ParseFloat(h, 64); err == nil && f > 0 {
			return now.Add(-time.Duration(f * float64(time.Hour)))
		}
	}
	days := 7
	if d := string(ctx.QueryArgs().Peek("days")); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			days = n
		}
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

type seriesPoint struct {
	Bucket    string  `json:"bucket"`
	VariantID string  `json:"variant_id"`
	Kind      string  `json:"kind"`
	Events    int64   `json:"events"`
	Subjects  int64   `json:"subjects"`
	ValueSum  float64 `json:"value_sum"`
}

// Timeseries serves the hourly per-variant event buckets of one experiment.
func Timeseries(svc *experiment.Service, db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := pathParam(ctx, "id")
		cutoff := parseRange(ctx, time.Now().UTC())

		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()

		if _, err := svc.GetExperiment(reqCtx, id); err != nil {
			writeError(ctx, err)
			return
		}
		rows, err := dbpkg.Buckets(reqCtx, db, id, cutoff.Truncate(time.Hour))
		if err != nil {
			writeError(ctx, errors.Join(errors.New("failed to query buckets"), err))
			return
		}

		series := make([]seriesPoint, 0, len(rows))
		for _, r := range rows {
			series = append(series, seriesPoint{
				Bucket:    r.BucketStart.UTC().Format(time.RFC3339),
				VariantID: r.VariantID,
				Kind:      r.Kind,
				Events:    r.EventCount,
				Subjects:  r.SubjectCount,
				ValueSum:  r.ValueSum,
			})
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"experiment_id": id, "series": series})
	}
}
