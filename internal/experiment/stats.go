package experiment

import (
	"fmt"
	"math"
)

const (
	DefaultMinSampleSize     = 100
	DefaultSignificanceLevel = 0.05
)

// ZTest is the outcome of a two-proportion z-test.
type ZTest struct {
	ZScore      float64
	PValue      float64
	Significant bool
	// Confidence is (1 - PValue) expressed in percent.
	Confidence float64
}

// TwoProportionZTest compares conversion proportions c1/n1 and c2/n2 with a
// pooled standard error and a two-tailed p-value. A zero standard error
// (both arms at 0% or both at 100%) yields p = 1.
func TwoProportionZTest(c1, n1, c2, n2 int64, alpha float64) ZTest {
	if n1 <= 0 || n2 <= 0 {
		return ZTest{PValue: 1}
	}
	p1 := float64(c1) / float64(n1)
	p2 := float64(c2) / float64(n2)
	pool := float64(c1+c2) / float64(n1+n2)
	se := math.Sqrt(pool * (1 - pool) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 || math.IsNaN(se) {
		return ZTest{PValue: 1}
	}

	z := math.Abs(p1-p2) / se
	// 2*(1-Φ(z)) written as erfc to keep precision in the tail.
	p := math.Erfc(z / math.Sqrt2)
	return ZTest{
		ZScore:      z,
		PValue:      p,
		Significant: p < alpha,
		Confidence:  (1 - p) * 100,
	}
}

// NormalCDF is the standard normal cumulative distribution function.
func NormalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

// Analyze derives per-variant statistics and a verdict from raw tallies. It
// holds no state: the same tallies always produce the same results.
func Analyze(exp *Experiment, tallies map[string]VariantTally, minSampleSize int, alpha float64) *TestResults {
	if minSampleSize <= 0 {
		minSampleSize = DefaultMinSampleSize
	}
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultSignificanceLevel
	}

	res := &TestResults{
		ExperimentID: exp.ID,
		Status:       exp.Status,
		StartedAt:    exp.StartedAt,
		EndedAt:      exp.EndedAt,
		Variants:     make([]VariantResult, 0, len(exp.Variants)),
	}

	for i, v := range exp.Variants {
		t := tallies[v.ID]
		vr := VariantResult{
			VariantID:   v.ID,
			Name:        v.Name,
			IsControl:   i == 0,
			Assignments: t.Assignments,
			Conversions: t.Conversions,
			TotalValue:  t.ConversionValue,
		}
		if vr.Name == "" {
			vr.Name = v.ID
		}
		if t.Assignments > 0 {
			vr.ConversionRate = float64(t.Conversions) / float64(t.Assignments)
		}
		if t.Conversions > 0 {
			vr.AverageValue = t.ConversionValue / float64(t.Conversions)
		}
		res.Variants = append(res.Variants, vr)
	}
	if len(res.Variants) == 0 {
		res.Recommendation = "Experiment has no variants to analyze."
		return res
	}

	control := &res.Variants[0]
	minN := int64(minSampleSize)
	winner := -1

	for i := 1; i < len(res.Variants); i++ {
		v := &res.Variants[i]
		if control.Assignments < minN || v.Assignments < minN {
			continue
		}

		zt := TwoProportionZTest(control.Conversions, control.Assignments, v.Conversions, v.Assignments, alpha)
		z, p := zt.ZScore, zt.PValue
		v.ZScore = &z
		v.PValue = &p
		v.IsSignificant = zt.Significant
		if control.ConversionRate > 0 {
			imp := (v.ConversionRate - control.ConversionRate) / control.ConversionRate * 100
			v.Improvement = &imp
		}

		if !zt.Significant || v.ConversionRate <= control.ConversionRate {
			continue
		}
		if winner < 0 || zt.Confidence > res.Confidence ||
			(zt.Confidence == res.Confidence && v.ConversionRate > res.Variants[winner].ConversionRate) {
			winner = i
			res.Confidence = zt.Confidence
		}
	}

	if winner >= 0 {
		res.Winner = res.Variants[winner].VariantID
	}
	res.Recommendation = recommend(res, winner, minN)
	return res
}

func recommend(res *TestResults, winner int, minN int64) string {
	if winner >= 0 {
		w := res.Variants[winner]
		msg := fmt.Sprintf("Winner: %s with %.1f%% confidence.", w.Name, res.Confidence)
		if w.Improvement != nil {
			msg += fmt.Sprintf(" %.1f%% improvement over control.", *w.Improvement)
		}
		return msg + " Recommend implementing this variant."
	}

	smallest := res.Variants[0].Assignments
	for _, v := range res.Variants[1:] {
		if v.Assignments < smallest {
			smallest = v.Assignments
		}
	}
	if smallest < minN {
		return fmt.Sprintf("Continue test - need minimum %d samples per variant (currently %d, %d more needed).",
			minN, smallest, minN-smallest)
	}
	return "No significant winner detected. Continue running the test to gather more data or conclude it without a winner."
}
