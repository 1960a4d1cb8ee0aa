// Package flow implements the branching consultation questionnaire.
//
// A category's questionnaire is a sequence of steps where each step may depend
// on the answer given to an earlier step. The Graph normalizes the step
// definitions once and then answers visibility, validation, and content
// composition questions about a customer's answer set. All methods are
// read-only after construction, so a Graph is safe for concurrent use.
package flow

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dungji-market/consultflow/internal/models"
)

// Graph is a category's normalized questionnaire.
type Graph struct {
	categoryID int64
	steps      []models.FlowStep
	byNumber   map[int]*models.FlowStep
	// invalid marks steps whose dependency configuration is broken (missing
	// target, self-reference, or forward reference). They are never visible.
	invalid map[int]bool
}

// NewGraph builds a Graph from raw step definitions. Inactive steps and
// options are dropped, steps are ordered by (step_number, order_index), and
// duplicate or broken definitions are logged and excluded rather than
// failing the whole category.
func NewGraph(categoryID int64, steps []models.FlowStep) *Graph {
	g := &Graph{
		categoryID: categoryID,
		byNumber:   make(map[int]*models.FlowStep),
		invalid:    make(map[int]bool),
	}

	active := make([]models.FlowStep, 0, len(steps))
	for _, step := range steps {
		if !step.Active {
			continue
		}
		opts := make([]models.FlowOption, 0, len(step.Options))
		for _, opt := range step.Options {
			if opt.Active {
				opts = append(opts, opt)
			}
		}
		sort.SliceStable(opts, func(i, j int) bool { return opts[i].OrderIndex < opts[j].OrderIndex })
		step.Options = opts
		active = append(active, step)
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].StepNumber != active[j].StepNumber {
			return active[i].StepNumber < active[j].StepNumber
		}
		return active[i].OrderIndex < active[j].OrderIndex
	})

	for _, step := range active {
		if _, dup := g.byNumber[step.StepNumber]; dup {
			slog.Warn("Graph.NewGraph: duplicate step number, skipping later definition",
				"categoryID", categoryID, "stepNumber", step.StepNumber, "stepID", step.ID)
			continue
		}
		g.steps = append(g.steps, step)
		g.byNumber[step.StepNumber] = &g.steps[len(g.steps)-1]
	}

	for _, step := range g.steps {
		if step.DependsOnStep == 0 {
			continue
		}
		dep, ok := g.byNumber[step.DependsOnStep]
		switch {
		case !ok:
			slog.Warn("Graph.NewGraph: step depends on missing step",
				"categoryID", categoryID, "stepNumber", step.StepNumber, "dependsOn", step.DependsOnStep)
			g.invalid[step.StepNumber] = true
		case dep.StepNumber >= step.StepNumber:
			slog.Warn("Graph.NewGraph: step depends on itself or a later step",
				"categoryID", categoryID, "stepNumber", step.StepNumber, "dependsOn", step.DependsOnStep)
			g.invalid[step.StepNumber] = true
		}
	}
	return g
}

// CategoryID returns the category this graph was built for.
func (g *Graph) CategoryID() int64 { return g.categoryID }

// Steps returns all normalized steps in presentation order.
func (g *Graph) Steps() []models.FlowStep {
	return append([]models.FlowStep(nil), g.steps...)
}

// visible reports whether a step should be shown given the recorded answers.
func (g *Graph) visible(step *models.FlowStep, answers map[int]string) bool {
	if g.invalid[step.StepNumber] {
		return false
	}
	if step.DependsOnStep == 0 {
		return true
	}
	answer, answered := answers[step.DependsOnStep]
	if !answered || answer == "" {
		return false
	}
	if len(step.DependsOnOptions) == 0 {
		return true
	}
	for _, key := range step.DependsOnOptions {
		if answer == key {
			return true
		}
	}
	return false
}

// VisibleSteps returns, in presentation order, the steps visible for the given
// answer set. Answers keyed by step number; unanswered dependencies hide their
// dependents, so the result is deterministic for a given answer set.
func (g *Graph) VisibleSteps(answers map[int]string) []models.FlowStep {
	var out []models.FlowStep
	for i := range g.steps {
		if g.visible(&g.steps[i], answers) {
			out = append(out, g.steps[i])
		}
	}
	return out
}

// ValidateSubmission checks a completed answer set against the questionnaire.
// Every visible required step must carry a usable answer; answers to invisible
// or unknown steps are ignored. An answer that names a custom-input option's
// key instead of supplying the free text is rejected.
func (g *Graph) ValidateSubmission(answers map[int]string) error {
	for i := range g.steps {
		step := &g.steps[i]
		if !g.visible(step, answers) {
			continue
		}
		answer, answered := answers[step.StepNumber]
		if !answered || strings.TrimSpace(answer) == "" {
			if step.Required {
				return fmt.Errorf("step %d (%s): %w", step.StepNumber, step.Question, models.ErrMissingRequiredStep)
			}
			continue
		}
		if err := g.validateAnswer(step, answer); err != nil {
			return fmt.Errorf("step %d (%s): %w", step.StepNumber, step.Question, err)
		}
	}
	return nil
}

func (g *Graph) validateAnswer(step *models.FlowStep, answer string) error {
	if len(step.Options) == 0 {
		// Free-text step.
		return nil
	}
	if opt, ok := step.OptionByKey(answer); ok {
		if opt.CustomInput {
			// The customer selected "other" but typed nothing.
			return models.ErrEmptyCustomInput
		}
		return nil
	}
	if _, ok := step.CustomOption(); ok {
		// Arbitrary text is the custom option's input.
		return nil
	}
	return models.ErrUnknownOption
}

// ComposeContent renders the answered questionnaire as the consultation
// request's content body: one "question: answer" line per visible answered
// step, with option keys replaced by their labels.
func (g *Graph) ComposeContent(answers map[int]string) string {
	var b strings.Builder
	for i := range g.steps {
		step := &g.steps[i]
		if !g.visible(step, answers) {
			continue
		}
		answer, answered := answers[step.StepNumber]
		if !answered || strings.TrimSpace(answer) == "" {
			continue
		}
		display := answer
		if opt, ok := step.OptionByKey(answer); ok {
			display = opt.Label
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", step.Question, display)
	}
	return b.String()
}
