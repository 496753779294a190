package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

const synthesisInstructions = "You combine the results of completed subtasks into one coherent answer " +
	"to the original request. Be concise, reference only the provided results and do not invent facts."

// synthesize produces the final result text for a completed or partial
// execution. When a synthesis model is configured it is asked to combine the
// completed subtask results; any synthesis failure degrades to a
// deterministic fallback so the execution itself never fails on synthesis.
func (s *Scheduler) synthesize(ctx context.Context, exec core.Execution, subtasks map[string]core.Subtask) string {
	fallback := fmt.Sprintf("%d/%d subtasks completed for request: %s",
		exec.CompletedTasks, exec.TotalTasks, exec.OriginalRequest)

	if s.opts.SynthesisModel == nil {
		return fallback
	}

	ids := make([]string, 0, len(subtasks))
	for id := range subtasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n", exec.OriginalRequest)
	if exec.Intent != "" {
		fmt.Fprintf(&b, "Intent: %s\n", exec.Intent)
	}
	b.WriteString("\nSubtask results:\n")
	for _, id := range ids {
		st := subtasks[id]
		if st.Status != core.SubtaskCompleted {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s: %v\n", st.ID, st.Description, st.Result)
	}
	b.WriteString("\nCombine these results into a final answer to the original request.")

	resp, err := s.opts.SynthesisModel.Generate(ctx, model.Request{
		Instructions: synthesisInstructions,
		Messages:     []model.Message{{Role: "user", Content: b.String()}},
		Temperature:  model.Float(0.2),
		MaxTokens:    s.opts.SynthesisMaxTokens,
	})
	if err != nil || resp.Text == "" {
		if err != nil {
			s.opts.Logger.Warn("scheduler.synthesis.failed", "execution", exec.ID, "error", err.Error())
		}
		return fallback
	}
	return resp.Text
}
