// Package agent drives a single, non-decomposed objective through bounded
// plan→act→observe cycles. The package focuses on three concerns:
//
//  1. Planning: Planner turns the objective, working memory and recent
//     history into a thought plus optional tool calls (ModelPlanner is the
//     model-backed default)
//  2. Acting: requested tool calls run through the same executor discipline
//     as graph subtasks (timeout, schema validation, transient retries)
//  3. Observing: observations are truncated, appended to the step history
//     and merged into the run's working memory
//
// The loop always terminates: the step budget forces a finish regardless of
// model output, and summarization failures degrade to a fixed fallback
// string instead of failing the run.
package agent
