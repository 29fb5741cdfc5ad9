package swarm

import (
	"sort"
	"strings"
	"time"

	"github.com/agext/levenshtein"
)

// Aggregator folds per-reviewer results into a unified report: partition by
// outcome, deduplicate the pooled findings, merge duplicates, rank by
// severity, and compute statistics.
type Aggregator struct {
	// SimilarityThreshold is the title-similarity cutoff above which two
	// findings may be considered duplicates (0.0-1.0).
	SimilarityThreshold float64
}

// NewAggregator creates an aggregator with the given similarity threshold.
func NewAggregator(similarityThreshold float64) *Aggregator {
	return &Aggregator{SimilarityThreshold: similarityThreshold}
}

// Aggregate builds the unified report for a session from its collected
// reviewer results. Only successful reviewers contribute findings; everything
// else is reported as failed.
func (a *Aggregator) Aggregate(sess *Session, results map[string]ReviewerResult) *UnifiedReport {
	var completed, failed []string
	var pooled []Finding

	for _, reviewer := range sess.Reviewers {
		result, ok := results[reviewer]
		if !ok || result.Status != ReviewerSuccess {
			failed = append(failed, reviewer)
			continue
		}
		completed = append(completed, reviewer)
		pooled = append(pooled, result.Findings...)
	}
	sort.Strings(completed)
	sort.Strings(failed)

	unique := a.deduplicate(pooled)

	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].Severity.Rank() < unique[j].Severity.Rank()
	})

	bySeverity := make(map[Severity][]Finding)
	byReviewer := make(map[string]int)
	byCategory := make(map[string]int)
	for _, f := range unique {
		bySeverity[f.Severity] = append(bySeverity[f.Severity], f)
		// A merged finding counts once for each reviewer in its joined set.
		for _, reviewer := range f.ReviewerTypes() {
			byReviewer[reviewer]++
		}
		byCategory[f.Category]++
	}

	return &UnifiedReport{
		SessionID:          sess.ID,
		TargetPath:         sess.TargetPath,
		TotalFindings:      len(unique),
		FindingsBySeverity: bySeverity,
		FindingsByReviewer: byReviewer,
		FindingsByCategory: byCategory,
		ReviewersCompleted: completed,
		ReviewersFailed:    failed,
		DuplicatesRemoved:  len(pooled) - len(unique),
		Findings:           unique,
		GeneratedAt:        time.Now().UTC(),
	}
}

// deduplicate compares each incoming finding against the accepted uniques in
// order, merging into the first duplicate match or appending otherwise.
func (a *Aggregator) deduplicate(findings []Finding) []Finding {
	unique := make([]Finding, 0, len(findings))
	for _, f := range findings {
		merged := false
		for i := range unique {
			if a.isDuplicate(&unique[i], &f) {
				unique[i] = mergeFindings(unique[i], f)
				merged = true
				break
			}
		}
		if !merged {
			unique = append(unique, f)
		}
	}
	return unique
}

// isDuplicate reports whether two findings describe the same defect: same
// file, overlapping line ranges, same root category, and sufficiently similar
// titles. Findings without line info never match.
func (a *Aggregator) isDuplicate(x, y *Finding) bool {
	if x.FilePath != y.FilePath {
		return false
	}

	xStart, xEnd, ok := x.LineRange()
	if !ok {
		return false
	}
	yStart, yEnd, ok := y.LineRange()
	if !ok {
		return false
	}
	if xEnd < yStart || yEnd < xStart {
		return false
	}

	if x.RootCategory() != y.RootCategory() {
		return false
	}

	return titleSimilarity(x.Title, y.Title) >= a.SimilarityThreshold
}

// titleSimilarity measures case-insensitive similarity between two titles as
// a ratio in [0,1].
func titleSimilarity(a, b string) float64 {
	return levenshtein.Similarity(strings.ToLower(a), strings.ToLower(b), nil)
}

// mergeFindings folds a duplicate pair into one finding. The higher-severity
// side is the base; the other side contributes its reviewers, its confidence
// when higher, its line range, and its description.
func mergeFindings(x, y Finding) Finding {
	base, other := x, y
	if y.Severity.Rank() < x.Severity.Rank() {
		base, other = y, x
	}

	merged := base
	merged.ReviewerType = joinReviewers(base.ReviewerType, other.ReviewerType)
	if other.Confidence > merged.Confidence {
		merged.Confidence = other.Confidence
	}

	bStart, bEnd, bOK := base.LineRange()
	oStart, oEnd, oOK := other.LineRange()
	if bOK && oOK {
		merged.LineStart = min(bStart, oStart)
		merged.LineEnd = max(bEnd, oEnd)
	}

	if other.Description != "" {
		merged.Description = base.Description + "\n\n---\n\n" + other.Description
	}

	return merged
}

// joinReviewers unions two comma-joined reviewer-type sets into a sorted,
// deduplicated, comma-joined string.
func joinReviewers(a, b string) string {
	seen := make(map[string]struct{})
	var tokens []string
	for _, raw := range []string{a, b} {
		for _, token := range strings.Split(raw, ",") {
			if token = strings.TrimSpace(token); token == "" {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return strings.Join(tokens, ",")
}
