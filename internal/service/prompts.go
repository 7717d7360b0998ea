package service

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/clrke/ralph-web/internal/domain/conversation"
	"github.com/clrke/ralph-web/internal/domain/plan"
	"github.com/clrke/ralph-web/internal/domain/question"
	"github.com/clrke/ralph-web/internal/domain/session"
)

// Prompt templates for the primary stage invocations and the secondary
// post-processing passes. Primary prompts instruct the agent to work inside
// the project checkout; pass prompts demand a single JSON object back.

var tmpl = template.Must(template.New("prompts").Parse(`
{{define "discovery"}}You are starting discovery for a new feature in this repository.

Feature: {{.Title}}
Description: {{.Description}}
{{- if .AcceptanceCriteria}}
Acceptance criteria:
{{- range .AcceptanceCriteria}}
- {{.}}
{{- end}}
{{- end}}

Working preferences: risk comfort {{.Preferences.RiskComfort}}, speed vs quality {{.Preferences.SpeedVsQuality}}, scope flexibility {{.Preferences.ScopeFlexibility}}, detail level {{.Preferences.DetailLevel}}, autonomy {{.Preferences.AutonomyLevel}}.

Explore the codebase and identify what this feature touches. Where the
requirements are ambiguous, list the clarifying questions you would ask the
author, each with 2-4 concrete answer options and your recommended option.
Then sketch a first implementation plan as an ordered list of steps with a
short title, a description, and a low/medium/high complexity estimate for
each. Do not modify any files yet.{{end}}

{{define "planning"}}Produce a revised implementation plan for this feature.

Feature: {{.Session.Title}}
Description: {{.Session.Description}}
{{- if .Answers}}

Clarifications already settled:
{{- range .Answers}}
Q: {{.QuestionText}}
A: {{.Answer}}
{{- end}}
{{- end}}
{{- if .Feedback}}

The author reviewed the previous plan and requested changes:
{{.Feedback}}
{{- end}}
{{- if .CompletedTitles}}

These steps are already implemented; keep them in the plan with the same
titles:
{{- range .CompletedTitles}}
- {{.}}
{{- end}}
{{- end}}

Output an ordered list of steps. For each step give a short title, a
description of the work, and a low/medium/high complexity estimate. Steps may
nest one level under a parent step. Do not modify any files yet.{{end}}

{{define "step"}}Implement the following step of the approved plan. Make the
code changes, run any relevant tests, and commit your work on the feature
branch.

Step: {{.Step.Title}}
{{- if .Step.Description}}
Details: {{.Step.Description}}
{{- end}}
{{- if .CompletedTitles}}

Already completed:
{{- range .CompletedTitles}}
- {{.}}
{{- end}}
{{- end}}

When done, state clearly whether the step is fully complete, partially
complete, or blocked, and why.{{end}}

{{define "pr_creation"}}All plan steps are complete. Create a pull request for
this feature branch against {{.BaseBranch}}.

Title the PR after the feature: {{.Title}}
Use this commit/PR summary as the description body:

{{.Summary}}

Push the branch if needed and open the PR with the gh CLI. Report the PR URL
on success, or the exact failure if the PR could not be created.{{end}}

{{define "pr_review"}}Review the pull request at {{.PRURL}} as a careful
reviewer who did not write the code.

Check the diff against the feature intent: {{.Title}}.
Look for correctness issues, missing tests, and deviations from the plan.
Classify the outcome: clean, needs minor fixes you can apply directly, or
needs plan-level changes. Apply minor fixes yourself and push them.{{end}}
`))

// render executes one named template against data.
func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// answeredQuestion is the settled Q/A pair fed into the planning prompt.
type answeredQuestion struct {
	QuestionText string
	Answer       string
}

func discoveryPrompt(s *session.Session) (string, error) {
	return render("discovery", s)
}

func planningPrompt(s *session.Session, answers []question.Question, feedback string, completedTitles []string) (string, error) {
	var settled []answeredQuestion
	for _, q := range answers {
		if q.Answer != nil {
			settled = append(settled, answeredQuestion{QuestionText: q.QuestionText, Answer: *q.Answer})
		}
	}
	return render("planning", struct {
		Session         *session.Session
		Answers         []answeredQuestion
		Feedback        string
		CompletedTitles []string
	}{s, settled, feedback, completedTitles})
}

func stepPrompt(step *plan.Step, completedTitles []string) (string, error) {
	return render("step", struct {
		Step            *plan.Step
		CompletedTitles []string
	}{step, completedTitles})
}

func prCreationPrompt(s *session.Session, summary string) (string, error) {
	base := s.BaseBranch
	if base == "" {
		base = "main"
	}
	return render("pr_creation", struct {
		Title, BaseBranch, Summary string
	}{s.Title, base, summary})
}

func prReviewPrompt(s *session.Session) (string, error) {
	return render("pr_review", struct {
		Title, PRURL string
	}{s.Title, s.PRURL})
}

// passPrompt builds the instruction for a post-processing pass over raw stage
// output. Every pass demands exactly one JSON object so extraction stays
// mechanical.
func passPrompt(t conversation.PostProcessingType, stageOutput string, extra string) string {
	var b strings.Builder
	b.WriteString("You are a post-processing assistant. Analyze the agent transcript below and respond with exactly one JSON object, no prose before or after.\n\n")

	switch t {
	case conversation.PassQuestionExtraction:
		b.WriteString(`Extract every clarifying question the agent raised. Schema:
{"questions":[{"question_text":"...","options":[{"value":"...","label":"...","recommended":false}]}]}
Return {"questions":[]} when none were raised.`)
	case conversation.PassPlanStepExtraction:
		b.WriteString(`Extract the implementation plan steps in order. Schema:
{"steps":[{"title":"...","description":"...","complexity":"low|medium|high","parent_index":null}]}
parent_index is the zero-based index of the parent step, or null for top-level steps.`)
	case conversation.PassDecisionValidation:
		b.WriteString(`The user answered a clarifying question. Judge whether the answer actually resolves the question. Schema:
{"action":"pass|filter|repurpose","reframed_question":"...","reason":"..."}
pass: the answer resolves it. filter: the answer is unusable, the question must be re-asked. repurpose: the answer is usable once the question is reframed as given.`)
		if extra != "" {
			b.WriteString("\n\nQuestion and answer under review:\n")
			b.WriteString(extra)
		}
	case conversation.PassTestAssessment:
		b.WriteString(`Assess the testing done in the transcript. Schema:
{"tests_run":true,"tests_passed":true,"coverage_adequate":true,"notes":"..."}`)
	case conversation.PassIncompleteSteps:
		b.WriteString(`The plan is being revised after review feedback. Decide which previously completed steps are invalidated by the feedback. Schema:
{"affected_steps":[{"step_id":"...","status":"needs_review|pending","reason":"..."}],"unaffected_steps":["step-id"],"summary":"..."}`)
		if extra != "" {
			b.WriteString("\n\nCompleted steps and review feedback:\n")
			b.WriteString(extra)
		}
	case conversation.PassPRInfoExtraction:
		b.WriteString(`Extract the pull request outcome. Schema:
{"created":true,"pr_url":"...","branch":"...","error":"..."}
created is false when no PR was opened; put the failure detail in error.`)
	case conversation.PassImplementationStatus:
		b.WriteString(`Determine the outcome of the implementation step in the transcript. Schema:
{"outcome":"completed|partial|blocked","detail":"..."}`)
	case conversation.PassTestResults:
		b.WriteString(`Extract concrete test results from the transcript. Schema:
{"ran":true,"passed":10,"failed":0,"failures":["..."]}`)
	case conversation.PassReviewFindings:
		b.WriteString(`Extract the review verdict from the transcript. Schema:
{"verdict":"clean|minor_fixed|plan_changes","findings":[{"severity":"low|medium|high","description":"..."}],"requires_plan_changes":false}`)
	case conversation.PassCommitMessage:
		b.WriteString(`Write a conventional commit message for the work in the transcript. Schema:
{"subject":"...","body":"..."}`)
	case conversation.PassSummary:
		b.WriteString(`Summarize the work in the transcript for a PR description. Schema:
{"summary":"...","highlights":["..."]}`)
	}

	b.WriteString("\n\nTranscript:\n")
	b.WriteString(stageOutput)
	return b.String()
}
