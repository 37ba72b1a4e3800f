package exam

import (
	"reflect"
	"testing"

	"github.com/clinsim/ecos/internal/model"
)

var testRubric = []model.Criterion{
	{Name: "Communication", MaxPoints: 4},
	{Name: "Anamnèse", MaxPoints: 4},
}

func TestNormalizeScore(t *testing.T) {
	tests := []struct {
		name string
		v    float64
		max  int
		want float64
	}{
		{"within cap", 3, 4, 3},
		{"at cap", 4, 4, 4},
		{"zero", 0, 4, 0},
		{"negative clamps to zero", -1, 4, 0},
		{"out of twenty rescales", 18, 4, 4}, // round(18/20*4) = 4
		{"out of twenty mid", 10, 4, 2},
		{"out of twenty low", 5, 4, 1},
		{"huge value clamps to cap", 100, 4, 4},
		{"zero cap falls back to default", 3, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeScore(tt.v, tt.max); got != tt.want {
				t.Errorf("normalizeScore(%v, %d) = %v, want %v", tt.v, tt.max, got, tt.want)
			}
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`, true},
		{
			"object inside prose",
			`Voici mon évaluation : {"scores": {"Communication": 3}} merci.`,
			`{"scores": {"Communication": 3}}`,
			true,
		},
		{
			"braces inside string values",
			`{"comment": "utilise {accolades} et \"guillemets\""}`,
			`{"comment": "utilise {accolades} et \"guillemets\""}`,
			true,
		},
		{"unbalanced", `{"a": {"b": 1}`, "", false},
		{"no object at all", "pas de JSON ici", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractJSONObject(tt.raw)
			if ok != tt.ok || got != tt.want {
				t.Errorf("extractJSONObject = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseGradingStrictJSON(t *testing.T) {
	raw := `Voici l'évaluation demandée :
{"scores": {"communication": 3, "Anamnèse": 18},
 "comments": {"Communication": "Bonne écoute active."},
 "strengths": ["Écoute", "Empathie"],
 "weaknesses": ["Antécédents non explorés"],
 "recommendations": ["Structurer l'anamnèse"]}`

	out := parseGrading(raw, testRubric)
	if !out.Strict {
		t.Fatal("expected strict JSON parse")
	}
	// Lowercased key still matches; out-of-scale 18 rescales to the cap.
	if out.Scores["Communication"] != 3 {
		t.Errorf("Communication = %v, want 3", out.Scores["Communication"])
	}
	if out.Scores["Anamnèse"] != 4 {
		t.Errorf("Anamnèse = %v, want 4 (rescaled from 18/20)", out.Scores["Anamnèse"])
	}
	if out.Defaulted["Communication"] || out.Defaulted["Anamnèse"] {
		t.Errorf("no criterion should be defaulted: %v", out.Defaulted)
	}
	if out.Comments["Communication"] != "Bonne écoute active." {
		t.Errorf("comment = %q", out.Comments["Communication"])
	}
	if !reflect.DeepEqual(out.Strengths, []string{"Écoute", "Empathie"}) {
		t.Errorf("strengths = %v", out.Strengths)
	}
}

func TestParseGradingJSONMissingCriterion(t *testing.T) {
	raw := `{"scores": {"Communication": 2}, "strengths": [], "weaknesses": [], "recommendations": []}`

	out := parseGrading(raw, testRubric)
	if !out.Strict {
		t.Fatal("expected strict JSON parse")
	}
	if out.Scores["Anamnèse"] != defaultMidScore {
		t.Errorf("missing criterion score = %v, want default %d", out.Scores["Anamnèse"], defaultMidScore)
	}
	if !out.Defaulted["Anamnèse"] {
		t.Error("missing criterion not flagged as defaulted")
	}
	if out.Defaulted["Communication"] {
		t.Error("present criterion flagged as defaulted")
	}
}

func TestParseGradingStringScores(t *testing.T) {
	raw := `{"scores": {"Communication": "3", "Anamnèse": "15/20"}}`

	out := parseGrading(raw, testRubric)
	if out.Scores["Communication"] != 3 {
		t.Errorf("string score = %v, want 3", out.Scores["Communication"])
	}
	if out.Scores["Anamnèse"] != 3 { // round(15/20*4)
		t.Errorf("slash score = %v, want 3", out.Scores["Anamnèse"])
	}
}

func TestParseGradingTextFallback(t *testing.T) {
	raw := `L'étudiant a mené une consultation correcte.

Communication : 3/4, bonne écoute globale.
La partie anamnèse n'a pas pu être évaluée précisément.

Points forts:
- Bonne écoute
- Questions ouvertes

Points faibles:
- Antécédents non explorés

Recommandations:
1. Structurer l'anamnèse
2) Reformuler davantage`

	out := parseGrading(raw, testRubric)
	if out.Strict {
		t.Fatal("expected heuristic fallback, not strict parse")
	}
	if out.Scores["Communication"] != 3 {
		t.Errorf("Communication = %v, want 3", out.Scores["Communication"])
	}
	if out.Scores["Anamnèse"] != defaultMidScore || !out.Defaulted["Anamnèse"] {
		t.Errorf("Anamnèse = %v defaulted=%v, want %d/true",
			out.Scores["Anamnèse"], out.Defaulted["Anamnèse"], defaultMidScore)
	}
	if !reflect.DeepEqual(out.Strengths, []string{"Bonne écoute", "Questions ouvertes"}) {
		t.Errorf("strengths = %v", out.Strengths)
	}
	if !reflect.DeepEqual(out.Weaknesses, []string{"Antécédents non explorés"}) {
		t.Errorf("weaknesses = %v", out.Weaknesses)
	}
	if !reflect.DeepEqual(out.Recommendations, []string{"Structurer l'anamnèse", "Reformuler davantage"}) {
		t.Errorf("recommendations = %v", out.Recommendations)
	}
}

func TestExtractSection(t *testing.T) {
	raw := `Points forts: écoute
- empathie

Points faibles:
- rythme trop rapide`

	got := extractSection(raw, "points forts")
	want := []string{"écoute", "empathie"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("extractSection = %v, want %v", got, want)
	}

	if got := extractSection(raw, "recommandations"); got != nil {
		t.Errorf("absent section = %v, want nil", got)
	}
}

func TestTrimBullet(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"- item", "item"},
		{"* item", "item"},
		{"• item", "item"},
		{"1. premier", "premier"},
		{"12) douzième", "douzième"},
		{"a) item", "a) item"}, // non-numeric prefixes are left alone
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := trimBullet(tt.in); got != tt.want {
			t.Errorf("trimBullet(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
