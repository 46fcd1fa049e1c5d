package experiment

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

// OrderHistory answers how many orders a subject has completed. It is the
// external data source behind the min/max order filters.
type OrderHistory interface {
	CompletedOrderCount(ctx context.Context, subjectID string) (int64, error)
}

// Context keys read from the assignment context by the audience dimensions
// that are not backed by OrderHistory.
const (
	ContextSegments   = "segments"
	ContextCategories = "categories"
	ContextLat        = "lat"
	ContextLng        = "lng"
)

const earthRadiusKm = 6371.0

// MatchAudience evaluates every configured dimension of filter. An error means
// the check could not be evaluated and must not be read as match or mismatch.
func MatchAudience(ctx context.Context, orders OrderHistory, filter *AudienceFilter, subjectID string, attrs map[string]any) (bool, error) {
	if filter == nil {
		return true, nil
	}

	if filter.MinOrders != nil || filter.MaxOrders != nil {
		if orders == nil {
			return false, fmt.Errorf("audience: order filter configured without order history")
		}
		n, err := orders.CompletedOrderCount(ctx, subjectID)
		if err != nil {
			return false, fmt.Errorf("audience: order count: %w", err)
		}
		if filter.MinOrders != nil && n < *filter.MinOrders {
			return false, nil
		}
		if filter.MaxOrders != nil && n > *filter.MaxOrders {
			return false, nil
		}
	}

	if len(filter.UserSegments) > 0 && !intersects(filter.UserSegments, stringList(attrs[ContextSegments])) {
		return false, nil
	}
	if len(filter.Categories) > 0 && !intersects(filter.Categories, stringList(attrs[ContextCategories])) {
		return false, nil
	}

	if filter.Location != nil {
		lat, okLat := number(attrs[ContextLat])
		lng, okLng := number(attrs[ContextLng])
		if !okLat || !okLng {
			return false, nil
		}
		if haversineKm(filter.Location.Lat, filter.Location.Lng, lat, lng) > filter.Location.RadiusKm {
			return false, nil
		}
	}

	return true, nil
}

func intersects(want, have []string) bool {
	if len(have) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// stringList accepts the shapes a decoded JSON or YAML context can carry.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
