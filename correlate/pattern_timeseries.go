package correlate

import (
	"math"
	"sort"
	"time"

	"vigil/core"
)

type seriesPoint struct {
	eventID string
	t       time.Time
	value   float64
}

// matchTimeSeries extracts a numeric series from the candidates and runs the
// configured variant over it. Fewer than 3 points (5 for trend) is reported
// as insufficient data, not a match.
func (pm *PatternMatcher) matchTimeSeries(rule *CompiledRule, candidates []*core.Event) *EvalResult {
	cfg := rule.Pattern

	points := make([]seriesPoint, 0, len(candidates))
	for _, ev := range candidates {
		raw, defined := resolveField(ev, cfg.ValueField)
		if !defined {
			continue
		}
		v, ok := asNumber(raw)
		if !ok {
			continue
		}
		points = append(points, seriesPoint{eventID: ev.EventID, t: ev.Timestamp, value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].t.Before(points[j].t) })

	minPoints := 3
	if cfg.Variant == core.TimeSeriesTrend {
		minPoints = 5
	}
	if len(points) < minPoints {
		return &EvalResult{
			RuleID: rule.Rule.ID,
			Details: map[string]interface{}{
				"reason": "insufficient data",
				"points": len(points),
			},
		}
	}

	switch cfg.Variant {
	case core.TimeSeriesSpike, core.TimeSeriesDrop:
		return pm.detectOutliers(rule, points)
	default:
		return pm.detectTrend(rule, points)
	}
}

// detectOutliers flags points deviating from the trailing window's mean by
// more than sensitivity standard deviations. Window size is max(3, n/3).
func (pm *PatternMatcher) detectOutliers(rule *CompiledRule, points []seriesPoint) *EvalResult {
	cfg := rule.Pattern
	window := len(points) / 3
	if window < 3 {
		window = 3
	}

	var outliers []map[string]interface{}
	var ids []string
	for i := window; i < len(points); i++ {
		mean, stddev := meanStddev(points[i-window : i])

		p := points[i]
		var hit bool
		if cfg.Variant == core.TimeSeriesSpike {
			hit = p.value > mean+cfg.Sensitivity*stddev
		} else {
			hit = p.value < mean-cfg.Sensitivity*stddev
		}
		if hit {
			outliers = append(outliers, map[string]interface{}{
				"event_id":    p.eventID,
				"timestamp":   p.t,
				"value":       p.value,
				"window_mean": mean,
			})
			ids = append(ids, p.eventID)
		}
	}

	if len(outliers) == 0 {
		return &EvalResult{
			RuleID:  rule.Rule.ID,
			Details: map[string]interface{}{"variant": cfg.Variant, "points": len(points)},
		}
	}

	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: ids,
		Details: map[string]interface{}{
			"variant":     cfg.Variant,
			"outliers":    outliers,
			"sensitivity": cfg.Sensitivity,
		},
	}
}

// detectTrend fits ordinary least squares over index vs. value. The trend is
// significant iff R-squared exceeds 0.5 and |slope| exceeds sensitivity.
func (pm *PatternMatcher) detectTrend(rule *CompiledRule, points []seriesPoint) *EvalResult {
	cfg := rule.Pattern
	n := float64(len(points))

	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.value
		sumXY += x * p.value
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return &EvalResult{
			RuleID:  rule.Rule.ID,
			Details: map[string]interface{}{"reason": "degenerate series"},
		}
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for i, p := range points {
		predicted := intercept + slope*float64(i)
		ssRes += (p.value - predicted) * (p.value - predicted)
		ssTot += (p.value - meanY) * (p.value - meanY)
	}

	rSquared := 0.0
	if ssTot > 0 {
		rSquared = 1 - ssRes/ssTot
	}

	details := map[string]interface{}{
		"variant":   core.TimeSeriesTrend,
		"slope":     slope,
		"r_squared": rSquared,
	}

	if rSquared <= 0.5 || math.Abs(slope) <= cfg.Sensitivity {
		return &EvalResult{RuleID: rule.Rule.ID, Details: details}
	}

	direction := "increasing"
	if slope < 0 {
		direction = "decreasing"
	}
	details["direction"] = direction

	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.eventID
	}
	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: ids,
		Details:  details,
	}
}

func meanStddev(points []seriesPoint) (float64, float64) {
	var sum float64
	for _, p := range points {
		sum += p.value
	}
	mean := sum / float64(len(points))

	var variance float64
	for _, p := range points {
		variance += (p.value - mean) * (p.value - mean)
	}
	variance /= float64(len(points))
	return mean, math.Sqrt(variance)
}
