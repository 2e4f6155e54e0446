package monitor

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// sweepMLBias runs the fairness checks over recent predictions from the
// configured source. Skipped when no prediction source is wired.
func (m *Monitor) sweepMLBias(ctx context.Context) {
	if m.preds == nil {
		return
	}

	models, err := m.preds.RecentPredictions(ctx)
	if err != nil {
		m.logger.Error("error checking ML bias", map[string]any{"error": err.Error()})
		return
	}

	for modelName, predictions := range models {
		for _, result := range m.EvaluateModelBias(modelName, predictions) {
			if result.IsBiased {
				m.handleBiasDetection(result)
			}
		}
	}
}

// EvaluateModelBias runs every fairness criterion over one model's recent
// predictions, one result per (criterion, protected attribute) pair that had
// enough data to evaluate.
func (m *Monitor) EvaluateModelBias(modelName string, predictions []Prediction) []BiasDetectionResult {
	byAttribute := make(map[string][]Prediction)
	for _, p := range predictions {
		if p.ProtectedAttribute == "" {
			continue
		}
		byAttribute[p.ProtectedAttribute] = append(byAttribute[p.ProtectedAttribute], p)
	}

	var results []BiasDetectionResult
	for attribute, rows := range byAttribute {
		if r, ok := m.checkDemographicParity(modelName, attribute, rows); ok {
			results = append(results, r)
		}
		if r, ok := m.checkDisparateImpact(modelName, attribute, rows); ok {
			results = append(results, r)
		}
	}
	return results
}

// checkDemographicParity flags a model when the gap between the highest and
// lowest group mean prediction exceeds the configured delta.
func (m *Monitor) checkDemographicParity(modelName, attribute string, rows []Prediction) (BiasDetectionResult, bool) {
	groups := groupMeans(rows)
	if len(groups) < 2 {
		return BiasDetectionResult{}, false
	}

	var lo, hi float64
	var loGroup, hiGroup string
	first := true
	for group, mean := range groups {
		if first {
			lo, hi = mean, mean
			loGroup, hiGroup = group, group
			first = false
			continue
		}
		if mean < lo {
			lo, loGroup = mean, group
		}
		if mean > hi {
			hi, hiGroup = mean, group
		}
	}

	delta := hi - lo
	threshold := m.cfg.Security.DemographicParityMaxDelta
	result := BiasDetectionResult{
		ModelName:           modelName,
		BiasType:            BiasDemographicParity,
		BiasScore:           delta,
		Threshold:           threshold,
		IsBiased:            delta > threshold,
		ProtectedAttributes: []string{attribute},
		AffectedGroups:      sortedGroups(groups),
		Timestamp:           m.now().UTC(),
	}
	if result.IsBiased {
		result.Recommendations = []string{
			fmt.Sprintf("Review model features correlated with %s", attribute),
			fmt.Sprintf("Outcome gap between %s and %s exceeds tolerance", hiGroup, loGroup),
			"Retrain with fairness constraints",
		}
	}
	return result, true
}

// checkDisparateImpact applies the four-fifths rule: the minority group's
// mean outcome must reach the configured fraction of the majority group's.
func (m *Monitor) checkDisparateImpact(modelName, attribute string, rows []Prediction) (BiasDetectionResult, bool) {
	var majoritySum, minoritySum float64
	var majorityN, minorityN int
	groups := make(map[string]struct{})
	var minorityGroups []string
	for _, p := range rows {
		groups[p.Group] = struct{}{}
		if p.Majority {
			majoritySum += p.Value
			majorityN++
		} else {
			minoritySum += p.Value
			minorityN++
			minorityGroups = append(minorityGroups, p.Group)
		}
	}
	if majorityN == 0 || minorityN == 0 {
		return BiasDetectionResult{}, false
	}

	majorityMean := majoritySum / float64(majorityN)
	minorityMean := minoritySum / float64(minorityN)
	if majorityMean == 0 {
		return BiasDetectionResult{}, false
	}

	ratio := minorityMean / majorityMean
	minRatio := m.cfg.Security.DisparateImpactMinRatio
	score := math.Max(0, 1-ratio)

	result := BiasDetectionResult{
		ModelName:           modelName,
		BiasType:            BiasDisparateImpact,
		BiasScore:           score,
		Threshold:           1 - minRatio,
		IsBiased:            ratio < minRatio,
		ProtectedAttributes: []string{attribute},
		AffectedGroups:      uniqueSorted(minorityGroups),
		Timestamp:           m.now().UTC(),
	}
	if result.IsBiased {
		result.Recommendations = []string{
			fmt.Sprintf("Disparate impact ratio %.2f below four-fifths threshold", ratio),
			"Audit training data representation",
			"Apply adverse impact remediation before redeployment",
		}
	}
	return result, true
}

// handleBiasDetection converts a biased result into metrics and a
// fair-housing compliance violation.
func (m *Monitor) handleBiasDetection(result BiasDetectionResult) {
	m.metrics.MLBiasDetected.WithLabelValues(result.ModelName, string(result.BiasType)).Inc()
	m.metrics.MLFairnessScore.WithLabelValues(result.ModelName).Set(1 - result.BiasScore)

	m.logger.Security("ML model bias detected", map[string]any{
		"model_name":      result.ModelName,
		"bias_type":       string(result.BiasType),
		"bias_score":      result.BiasScore,
		"threshold":       result.Threshold,
		"affected_groups": result.AffectedGroups,
	})

	m.recordViolation(&ComplianceViolation{
		ViolationID:   newViolationID(),
		Timestamp:     m.now().UTC(),
		Standard:      StandardFairHousing,
		ViolationType: "algorithmic_bias",
		Severity:      "high",
		Description: fmt.Sprintf("Model %s shows %s bias (score %.3f, threshold %.3f)",
			result.ModelName, result.BiasType, result.BiasScore, result.Threshold),
		RegulatoryRequirements: []string{
			"Fair Housing Act compliance review",
			"Model fairness documentation",
		},
		RemediationActions: append([]string{}, result.Recommendations...),
	})
}

func groupMeans(rows []Prediction) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, p := range rows {
		sums[p.Group] += p.Value
		counts[p.Group]++
	}
	means := make(map[string]float64, len(sums))
	for group, sum := range sums {
		means[group] = sum / float64(counts[group])
	}
	return means
}

func sortedGroups(means map[string]float64) []string {
	out := make([]string, 0, len(means))
	for group := range means {
		out = append(out, group)
	}
	sort.Strings(out)
	return out
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
