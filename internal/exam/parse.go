package exam

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/clinsim/ecos/internal/model"
)

// foreignScale is the scale graders drift to most often when they ignore the
// requested point caps (French academic notation is out of 20).
const foreignScale = 20

// defaultMidScore is the neutral fallback when a criterion cannot be found
// anywhere in the grader's output. Grading must never hard-fail merely
// because the model was verbose or free-form.
const defaultMidScore = 2

// GradeOutcome is the recovered structure of one grading call, after strict
// JSON parsing or heuristic extraction plus normalization.
type GradeOutcome struct {
	// Scores maps criterion name to its normalized score.
	Scores map[string]float64
	// Defaulted marks criteria whose score was not found and fell back to
	// the neutral mid-score.
	Defaulted map[string]bool
	// Comments maps criterion name to the grader's per-criterion feedback.
	Comments        map[string]string
	Strengths       []string
	Weaknesses      []string
	Recommendations []string
	// Strict is true when the grader's output parsed as JSON; false when
	// the heuristic text extractor produced the outcome.
	Strict bool
}

type rawGrading struct {
	Scores          map[string]any `json:"scores"`
	Comments        map[string]any `json:"comments"`
	Strengths       []any          `json:"strengths"`
	Weaknesses      []any          `json:"weaknesses"`
	Recommendations []any          `json:"recommendations"`
}

// parseGrading recovers a structured outcome from the grader's raw text.
// First strategy: locate and decode the first balanced JSON object. Second:
// per-criterion regex extraction over the raw text. The second strategy
// always succeeds; defaulted criteria are flagged, never dropped.
func parseGrading(raw string, rubric []model.Criterion) GradeOutcome {
	if obj, ok := extractJSONObject(raw); ok {
		var parsed rawGrading
		if err := json.Unmarshal([]byte(obj), &parsed); err == nil && parsed.Scores != nil {
			return outcomeFromJSON(parsed, rubric)
		}
	}
	return outcomeFromText(raw, rubric)
}

func outcomeFromJSON(parsed rawGrading, rubric []model.Criterion) GradeOutcome {
	out := GradeOutcome{
		Scores:          make(map[string]float64, len(rubric)),
		Defaulted:       make(map[string]bool, len(rubric)),
		Comments:        make(map[string]string, len(rubric)),
		Strengths:       asStrings(parsed.Strengths),
		Weaknesses:      asStrings(parsed.Weaknesses),
		Recommendations: asStrings(parsed.Recommendations),
		Strict:          true,
	}
	for _, c := range rubric {
		v, found := lookupFold(parsed.Scores, c.Name)
		score, ok := asFloat(v)
		if !found || !ok {
			out.Scores[c.Name] = defaultMidScore
			out.Defaulted[c.Name] = true
			continue
		}
		out.Scores[c.Name] = normalizeScore(score, c.MaxPoints)

		if cv, found := lookupFold(parsed.Comments, c.Name); found {
			if s, ok := cv.(string); ok {
				out.Comments[c.Name] = s
			}
		}
	}
	return out
}

func outcomeFromText(raw string, rubric []model.Criterion) GradeOutcome {
	out := GradeOutcome{
		Scores:          make(map[string]float64, len(rubric)),
		Defaulted:       make(map[string]bool, len(rubric)),
		Comments:        make(map[string]string, len(rubric)),
		Strengths:       extractSection(raw, "points forts", "forces", "strengths"),
		Weaknesses:      extractSection(raw, "points faibles", "faiblesses", "weaknesses"),
		Recommendations: extractSection(raw, "recommandations", "recommendations", "conseils"),
	}
	comments := extractSection(raw, "commentaires", "comments")
	for _, c := range rubric {
		score, found := extractCriterionScore(raw, c.Name)
		if !found {
			out.Scores[c.Name] = defaultMidScore
			out.Defaulted[c.Name] = true
		} else {
			out.Scores[c.Name] = normalizeScore(score, c.MaxPoints)
		}
		for _, line := range comments {
			if strings.Contains(strings.ToLower(line), strings.ToLower(c.Name)) {
				out.Comments[c.Name] = line
				break
			}
		}
	}
	return out
}

// extractJSONObject returns the first balanced {...} object in raw, honoring
// string literals and escapes so braces inside values do not break balance.
func extractJSONObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// normalizeScore brings a raw grader value into [0, max]. Values within the
// cap are kept as-is; larger values are assumed to be on a 0-20 scale and
// rescaled. Silently trusting an out-of-scale value would corrupt every
// downstream aggregate.
func normalizeScore(v float64, max int) float64 {
	if max <= 0 {
		max = model.DefaultMaxPoints
	}
	fmax := float64(max)
	if v < 0 {
		return 0
	}
	if v <= fmax {
		return v
	}
	rescaled := math.Round(v / foreignScale * fmax)
	return math.Min(rescaled, fmax)
}

// extractCriterionScore searches raw text for "criterion ... <int>[/max]"
// and returns the integer, unclamped (the caller normalizes).
func extractCriterionScore(raw, criterion string) (float64, bool) {
	pattern := `(?i)` + regexp.QuoteMeta(criterion) + `[^\d\n]{0,40}?(\d+)(?:\s*/\s*\d+)?`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, false
	}
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var sectionKeywords = []string{
	"points forts", "forces", "strengths",
	"points faibles", "faiblesses", "weaknesses",
	"recommandations", "recommendations", "conseils",
	"commentaires", "comments", "scores", "notes",
}

// extractSection locates a labeled section header in free-form text and
// returns its bullet-like lines. Returns nil when the section is absent.
func extractSection(raw string, names ...string) []string {
	lines := strings.Split(raw, "\n")
	start := -1
	for i, line := range lines {
		if isHeaderFor(line, names) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	var items []string
	// Content on the header line itself, after the colon.
	if idx := strings.Index(lines[start], ":"); idx >= 0 {
		if rest := strings.TrimSpace(lines[start][idx+1:]); rest != "" {
			items = append(items, rest)
		}
	}
	for _, line := range lines[start+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(items) > 0 {
				break
			}
			continue
		}
		if isHeaderFor(trimmed, sectionKeywords) {
			break
		}
		items = append(items, trimBullet(trimmed))
	}
	return items
}

func isHeaderFor(line string, names []string) bool {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)
	for _, n := range names {
		if !strings.Contains(lower, n) {
			continue
		}
		// A header is a short label line, usually ending in a colon; a
		// sentence that merely mentions the keyword is not.
		if strings.HasSuffix(trimmed, ":") || len(trimmed) <= len(n)+10 {
			return true
		}
	}
	return false
}

func trimBullet(line string) string {
	line = strings.TrimLeft(line, "-*•–— \t")
	// Numbered lists: "1. item" / "2) item".
	if i := strings.IndexAny(line, ".)"); i > 0 && i <= 2 {
		if _, err := strconv.Atoi(line[:i]); err == nil {
			line = line[i+1:]
		}
	}
	return strings.TrimSpace(line)
}

// lookupFold finds a map entry by exact match first, then case-insensitively.
// Graders routinely change the casing of criterion names.
func lookupFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "/20"), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asStrings(list []any) []string {
	var out []string
	for _, v := range list {
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
