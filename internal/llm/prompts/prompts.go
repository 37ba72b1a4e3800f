// Package prompts assembles the system prompts sent to the language model:
// the patient persona preamble for the simulation and the rubric-based
// grading prompt used after session completion.
package prompts

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/clinsim/ecos/internal/model"
)

// Transcript speaker labels. The grader prompt renders the conversation in
// French, matching the service's exam language.
const (
	LabelStudent = "ÉTUDIANT"
	LabelPatient = "PATIENT"
)

var roleTagRegex = regexp.MustCompile(`(?i)</?\s*(?:system|instructions|patient-notes)\b[^>]*>`)

const maxTurnRunes = 10000

// BuildPersonaPrompt builds the fixed system preamble for the simulated
// patient: the scenario persona plus any retrieved reference passages.
func BuildPersonaPrompt(scenario *model.Scenario, passages []string) string {
	var sb strings.Builder
	sb.WriteString("Tu joues le rôle d'un patient dans un examen clinique simulé (ECOS).\n")
	sb.WriteString("Reste dans ton personnage pendant toute la conversation. ")
	sb.WriteString("Réponds uniquement comme le patient, sans jamais évaluer l'étudiant.\n\n")
	sb.WriteString("PERSONNAGE:\n" + scenario.PersonaPrompt + "\n")

	if len(passages) > 0 {
		sb.WriteString("\nDOCUMENTS DE RÉFÉRENCE (contexte médical du cas, ne pas réciter tel quel):\n")
		for _, p := range passages {
			sb.WriteString("- " + p + "\n")
		}
	}
	return sb.String()
}

// BuildGradingPrompt builds the grader prompt: scenario, rubric with point
// caps, and the full transcript in original order.
func BuildGradingPrompt(scenario *model.Scenario, turns []model.Turn) string {
	var sb strings.Builder
	sb.WriteString("Tu es un examinateur ECOS. Évalue la performance de l'étudiant dans la consultation simulée ci-dessous.\n\n")
	sb.WriteString("SCÉNARIO: " + scenario.Title + "\n")
	if scenario.Description != "" {
		sb.WriteString(scenario.Description + "\n")
	}

	sb.WriteString("\nGRILLE D'ÉVALUATION:\n")
	for _, c := range scenario.Rubric {
		sb.WriteString(fmt.Sprintf("- %s (0 à %d points)\n", c.Name, c.MaxPoints))
	}

	sb.WriteString("\nTRANSCRIPTION:\n")
	sb.WriteString(RenderTranscript(turns))

	sb.WriteString("\nRéponds UNIQUEMENT avec un objet JSON de la forme:\n")
	sb.WriteString(`{"scores": {`)
	for i, c := range scenario.Rubric {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%q: <note sur %d>", c.Name, c.MaxPoints))
	}
	sb.WriteString(`}, "comments": {<critère>: <commentaire>}, "strengths": [...], "weaknesses": [...], "recommendations": [...]}`)
	sb.WriteString("\n")

	return sb.String()
}

// RenderTranscript renders the ordered turn sequence as labeled lines.
func RenderTranscript(turns []model.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		label := LabelStudent
		if t.Role == model.RolePatient {
			label = LabelPatient
		}
		sb.WriteString(label + ": " + SanitizeContent(t.Content) + "\n")
	}
	return sb.String()
}

// SanitizeContent strips role-tag markup from student input and bounds the
// length of a single turn before it reaches a prompt.
func SanitizeContent(content string) string {
	content = roleTagRegex.ReplaceAllString(content, "")
	content = strings.TrimSpace(content)

	if utf8.RuneCountInString(content) > maxTurnRunes {
		runes := []rune(content)
		content = string(runes[:maxTurnRunes]) + " […]"
	}
	return content
}
