package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
)

// PlanInput is everything the planner may condition on for one cycle.
type PlanInput struct {
	Objective      string
	WorkingMemory  map[string]any
	History        []core.Step // most recent steps, already truncated by the loop
	StepsRemaining int
	Tools          []model.ToolDefinition
	Constraints    []string
}

// Plan is the planner's decision for one cycle.
type Plan struct {
	Thought   string
	ToolCalls []model.ToolCall
	Finish    bool
}

// Planner produces the next plan for a run and summarizes finished runs.
type Planner interface {
	// Plan returns the thought, optional tool calls and finish signal for
	// the next cycle.
	Plan(ctx context.Context, in PlanInput) (*Plan, error)
	// Summarize produces the final answer text from the full step history.
	Summarize(ctx context.Context, run core.Run) (string, error)
}

// defaultPlannerTemplate is the built-in planning prompt. Custom templates
// may use the same placeholder set; unknown placeholders are surfaced as
// warnings, not errors.
const defaultPlannerTemplate = `You are working toward the following objective:
{objective}

Available tools:
{toolsList}

Constraints: {constraints}
Working memory: {workingMemory}
Steps remaining: {stepsRemaining}
Current date: {currentDate}

Think about the next step. Call tools when you need information or side
effects; answer directly without tool calls when the objective is fulfilled.`

const summaryInstructions = "Summarize what was accomplished across the given steps into a final answer " +
	"to the objective. Be direct and factual."

// defaultPlaceholders is the placeholder set the default template binds.
var defaultPlaceholders = map[string]struct{}{
	"objective":      {},
	"toolsList":      {},
	"stepsRemaining": {},
	"workingMemory":  {},
	"constraints":    {},
	"currentDate":    {},
}

// ModelPlannerOptions configure a ModelPlanner.
type ModelPlannerOptions struct {
	// Template overrides the default planning prompt.
	Template string
	// Temperature applies to planning calls.
	Temperature float64
	// MaxTokens bounds planning calls.
	MaxTokens int64
	// SummaryTemperature applies to the final summarization call. Lower
	// than planning by default.
	SummaryTemperature float64
	// SummaryMaxTokens bounds the summarization call.
	SummaryMaxTokens int64
	// Logger receives template warnings and per-call logs.
	Logger logging.Logger
}

// ModelPlanner is the model-backed Planner implementation.
type ModelPlanner struct {
	model model.Model
	opts  ModelPlannerOptions
}

// NewModelPlanner creates a planner over a model. A custom template is
// checked against the default placeholder set; unknown names are logged as
// warnings so typos surface without breaking execution.
func NewModelPlanner(mdl model.Model, optFns ...func(o *ModelPlannerOptions)) *ModelPlanner {
	opts := ModelPlannerOptions{
		Template:           defaultPlannerTemplate,
		Temperature:        0.7,
		MaxTokens:          2048,
		SummaryTemperature: 0.2,
		SummaryMaxTokens:   512,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	p := &ModelPlanner{model: mdl, opts: opts}
	for _, name := range unknownPlaceholders(opts.Template) {
		opts.Logger.Warn("planner.template.unknown_placeholder", "placeholder", name)
	}
	return p
}

// Plan renders the prompt, offers the tool catalog and maps the model's
// answer onto a Plan. Finish is signalled when the model stops without
// requesting tool calls.
func (p *ModelPlanner) Plan(ctx context.Context, in PlanInput) (*Plan, error) {
	instructions := BuildPrompt(p.opts.Template, in, time.Now().UTC())

	messages := historyMessages(in.History)
	messages = append(messages, model.Message{Role: "user", Content: "What is your next step?"})

	resp, err := p.model.Generate(ctx, model.Request{
		Instructions: instructions,
		Messages:     messages,
		Tools:        in.Tools,
		Temperature:  model.Float(p.opts.Temperature),
		MaxTokens:    p.opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("planning call: %w", err)
	}

	return &Plan{
		Thought:   resp.Text,
		ToolCalls: resp.ToolCalls,
		Finish:    len(resp.ToolCalls) == 0 && stopped(resp.FinishReason),
	}, nil
}

// Summarize runs the separate summarization call with a lower temperature
// and a smaller token budget than planning calls.
func (p *ModelPlanner) Summarize(ctx context.Context, run core.Run) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\nSteps taken:\n", run.Objective)
	for _, step := range run.Steps {
		fmt.Fprintf(&b, "%d. %s", step.Number, step.Thought)
		if step.ToolName != "" {
			fmt.Fprintf(&b, " [%s -> %s]", step.ToolName, step.Observation)
		}
		if step.ErrorMsg != "" {
			fmt.Fprintf(&b, " (error: %s)", step.ErrorMsg)
		}
		b.WriteString("\n")
	}

	resp, err := p.model.Generate(ctx, model.Request{
		Instructions: summaryInstructions,
		Messages:     []model.Message{{Role: "user", Content: b.String()}},
		Temperature:  model.Float(p.opts.SummaryTemperature),
		MaxTokens:    p.opts.SummaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarization call: %w", err)
	}
	return resp.Text, nil
}

// BuildPrompt renders the planning template. It is a pure function of the
// input and the supplied clock so prompts are reproducible in tests.
func BuildPrompt(template string, in PlanInput, now time.Time) string {
	toolsList := "none"
	if len(in.Tools) > 0 {
		var lines []string
		for _, t := range in.Tools {
			lines = append(lines, fmt.Sprintf("- %s: %s", t.Name, t.Description))
		}
		toolsList = strings.Join(lines, "\n")
	}

	constraints := "none"
	if len(in.Constraints) > 0 {
		constraints = strings.Join(in.Constraints, "; ")
	}

	memory := "{}"
	if len(in.WorkingMemory) > 0 {
		if raw, err := json.Marshal(in.WorkingMemory); err == nil {
			memory = string(raw)
		}
	}

	rendered, _ := util.RenderPrompt(template, map[string]string{
		"objective":      in.Objective,
		"toolsList":      toolsList,
		"stepsRemaining": strconv.Itoa(in.StepsRemaining),
		"workingMemory":  memory,
		"constraints":    constraints,
		"currentDate":    now.Format("2006-01-02"),
	})
	return rendered
}

// unknownPlaceholders returns the placeholder names in template that the
// default set does not bind.
func unknownPlaceholders(template string) []string {
	_, unresolved := util.RenderPrompt(template, nil)
	var unknown []string
	for _, name := range unresolved {
		if _, ok := defaultPlaceholders[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// historyMessages renders recent steps as alternating conversation turns so
// the model sees its own prior thoughts and the resulting observations.
func historyMessages(history []core.Step) []model.Message {
	var messages []model.Message
	for _, step := range history {
		if step.Thought != "" {
			messages = append(messages, model.Message{Role: "assistant", Content: step.Thought})
		}
		if step.Observation != "" {
			messages = append(messages, model.Message{
				Role:    "user",
				Content: fmt.Sprintf("Observation from %s: %s", step.ToolName, step.Observation),
			})
		}
	}
	return messages
}

// stopped reports whether the finish reason is a plain stop, as opposed to
// an explicit tool-call request.
func stopped(reason string) bool {
	switch reason {
	case "tool_use", "tool_calls", "function_call":
		return false
	default:
		return true
	}
}
