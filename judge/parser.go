package judge

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360studio/storybench/battery"
)

// ParseResult carries whatever scores could be recovered from a verdict.
// Parsing never fails outright; missing criteria are reported so the
// verdict can be stored with parse_incomplete set.
type ParseResult struct {
	Scores  map[string]float64
	Missing []string
}

// Incomplete reports whether any criterion could not be scored.
func (r *ParseResult) Incomplete() bool {
	return len(r.Missing) > 0
}

// scoreLinePattern matches "criterion: 7", "**criterion**: 7.5", or
// "criterion - 7/10" style lines in free-text verdicts.
var scoreLinePattern = regexp.MustCompile(`(?i)^\s*[-*]?\s*\**([a-z0-9 _/&'-]+?)\**\s*[:\-]\s*\**(\d+(?:\.\d+)?)(?:\s*/\s*\d+(?:\.\d+)?)?\**\s*$`)

// ParseVerdict extracts per-criterion scores from raw judge output. It
// tries a JSON object first, then falls back to scanning for
// "criterion: score" lines. Scores outside a criterion's scale are
// discarded rather than clamped.
func ParseVerdict(raw string, criteria *battery.CriteriaSet) *ParseResult {
	result := &ParseResult{Scores: make(map[string]float64)}

	byName := make(map[string]battery.Criterion, len(criteria.Criteria))
	for _, c := range criteria.Criteria {
		byName[normalizeName(c.Name)] = c
	}

	parseJSONScores(raw, byName, result.Scores)
	if len(result.Scores) < len(criteria.Criteria) {
		parseLineScores(raw, byName, result.Scores)
	}

	for _, c := range criteria.Criteria {
		if _, ok := result.Scores[c.Name]; !ok {
			result.Missing = append(result.Missing, c.Name)
		}
	}
	return result
}

func parseJSONScores(raw string, byName map[string]battery.Criterion, scores map[string]float64) {
	extracted := extractJSON(raw)
	if extracted == "" {
		return
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
		return
	}

	for key, value := range parsed {
		criterion, ok := byName[normalizeName(key)]
		if !ok {
			continue
		}
		score, ok := asScore(value)
		if !ok {
			continue
		}
		recordScore(criterion, score, scores)
	}
}

// asScore coerces a decoded JSON value into a score. Judges sometimes
// quote numbers or nest them under a "score" field.
func asScore(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		score, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return score, err == nil
	case map[string]any:
		if inner, ok := v["score"]; ok {
			return asScore(inner)
		}
	}
	return 0, false
}

func parseLineScores(raw string, byName map[string]battery.Criterion, scores map[string]float64) {
	for _, line := range strings.Split(raw, "\n") {
		matches := scoreLinePattern.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		criterion, ok := byName[normalizeName(matches[1])]
		if !ok {
			continue
		}
		if _, done := scores[criterion.Name]; done {
			continue
		}
		score, err := strconv.ParseFloat(matches[2], 64)
		if err != nil {
			continue
		}
		recordScore(criterion, score, scores)
	}
}

func recordScore(c battery.Criterion, score float64, scores map[string]float64) {
	if score < c.ScaleMin || score > c.ScaleMax {
		return
	}
	scores[c.Name] = score
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
