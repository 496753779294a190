package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/policy"
	"github.com/hupe1980/taskmesh/tool"
)

func fastPolicy() policy.Config {
	return policy.Config{
		MaxTransientAttempts: 3,
		MaxUnknownAttempts:   2,
		BackoffBase:          time.Millisecond,
	}
}

func toolSubtask(name string, params map[string]any) core.Subtask {
	return core.Subtask{
		ID:         "t1",
		ActionType: core.ActionTool,
		ActionName: name,
		Params:     params,
	}
}

func TestExecuteToolSubtask(t *testing.T) {
	registry, err := tool.NewRegistry(tool.NewEchoTool())
	require.NoError(t, err)

	exec := New(registry, nil, func(o *Options) { o.Policy = fastPolicy() })

	outcome := exec.Execute(context.Background(), toolSubtask("echo", map[string]any{"text": "hi"}))
	require.NoError(t, outcome.Err)
	assert.Equal(t, "hi", outcome.Result)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Greater(t, outcome.Duration, time.Duration(0))
}

func TestExecuteToolNotFound(t *testing.T) {
	registry, err := tool.NewRegistry()
	require.NoError(t, err)

	exec := New(registry, nil, func(o *Options) { o.Policy = fastPolicy() })

	outcome := exec.Execute(context.Background(), toolSubtask("missing", nil))
	require.Error(t, outcome.Err)
	assert.Equal(t, core.ClassCapabilityUnavailable, core.Classify(outcome.Err))
	assert.Equal(t, 1, outcome.Attempts, "capability errors are never retried")
}

func TestExecuteValidationErrorNotRetried(t *testing.T) {
	registry, err := tool.NewRegistry(tool.NewEchoTool())
	require.NoError(t, err)

	exec := New(registry, nil, func(o *Options) { o.Policy = fastPolicy() })

	outcome := exec.Execute(context.Background(), toolSubtask("echo", map[string]any{}))
	require.Error(t, outcome.Err)
	assert.Equal(t, core.ClassValidation, core.Classify(outcome.Err))
	assert.Equal(t, 1, outcome.Attempts)
}

func TestExecuteTransientRetries(t *testing.T) {
	calls := 0
	flaky := tool.NewFunctionTool(
		"flaky",
		"Fails twice then succeeds",
		map[string]any{"type": "object"},
		func(_ context.Context, _ map[string]any) (any, error) {
			calls++
			if calls < 3 {
				return nil, &core.TransientError{Err: assert.AnError}
			}
			return "ok", nil
		},
	)
	registry, err := tool.NewRegistry(flaky)
	require.NoError(t, err)

	exec := New(registry, nil, func(o *Options) { o.Policy = fastPolicy() })

	outcome := exec.Execute(context.Background(), toolSubtask("flaky", nil))
	require.NoError(t, outcome.Err)
	assert.Equal(t, "ok", outcome.Result)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestExecuteTransientExhaustsBudget(t *testing.T) {
	alwaysFail := tool.NewFunctionTool(
		"down",
		"Always transiently fails",
		map[string]any{"type": "object"},
		func(_ context.Context, _ map[string]any) (any, error) {
			return nil, &core.TransientError{Err: assert.AnError}
		},
	)
	registry, err := tool.NewRegistry(alwaysFail)
	require.NoError(t, err)

	exec := New(registry, nil, func(o *Options) { o.Policy = fastPolicy() })

	outcome := exec.Execute(context.Background(), toolSubtask("down", nil))
	require.Error(t, outcome.Err)
	assert.Equal(t, core.ClassTransient, core.Classify(outcome.Err))
	assert.Equal(t, 3, outcome.Attempts)
}

func TestExecuteTimeout(t *testing.T) {
	slow := tool.NewFunctionTool(
		"slow",
		"Blocks until cancelled",
		map[string]any{"type": "object"},
		func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	)
	registry, err := tool.NewRegistry(slow)
	require.NoError(t, err)

	exec := New(registry, nil, func(o *Options) {
		o.Timeout = 10 * time.Millisecond
		o.Policy = policy.Config{MaxTransientAttempts: 1, MaxUnknownAttempts: 1, BackoffBase: time.Millisecond}
	})

	outcome := exec.Execute(context.Background(), toolSubtask("slow", nil))

	var timeoutErr *core.TimeoutError
	require.ErrorAs(t, outcome.Err, &timeoutErr)
	assert.Equal(t, 10*time.Millisecond, timeoutErr.Timeout)
}

func TestExecuteCancellation(t *testing.T) {
	slow := tool.NewFunctionTool(
		"slow",
		"Blocks until cancelled",
		map[string]any{"type": "object"},
		func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	)
	registry, err := tool.NewRegistry(slow)
	require.NoError(t, err)

	exec := New(registry, nil, func(o *Options) { o.Policy = fastPolicy() })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome := exec.Execute(ctx, toolSubtask("slow", nil))

	var cancelErr *core.CancelledError
	require.ErrorAs(t, outcome.Err, &cancelErr)
	assert.Equal(t, 1, outcome.Attempts, "cancellation does not consume retry budget")
}

func TestExecuteInferenceSubtask(t *testing.T) {
	mock := model.NewMockModel("mock")
	mock.AddResponse("Summarize the findings", "All good.")

	exec := New(nil, mock, func(o *Options) { o.Policy = fastPolicy() })

	outcome := exec.Execute(context.Background(), core.Subtask{
		ID:          "i1",
		ActionType:  core.ActionInference,
		Description: "Summarize the findings",
	})
	require.NoError(t, outcome.Err)
	assert.Equal(t, "All good.", outcome.Result)

	// inference subtasks never offer a tool catalog
	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Tools)
}

func TestExecuteInferenceWithoutModel(t *testing.T) {
	exec := New(nil, nil, func(o *Options) { o.Policy = fastPolicy() })

	outcome := exec.Execute(context.Background(), core.Subtask{
		ID:         "i1",
		ActionType: core.ActionInference,
	})
	require.Error(t, outcome.Err)
	assert.Equal(t, core.ClassCapabilityUnavailable, core.Classify(outcome.Err))
}

func TestExecuteUnknownActionType(t *testing.T) {
	exec := New(nil, nil, func(o *Options) { o.Policy = fastPolicy() })

	outcome := exec.Execute(context.Background(), core.Subtask{ID: "x", ActionType: "bogus"})
	require.Error(t, outcome.Err)
	assert.Equal(t, core.ClassValidation, core.Classify(outcome.Err))
	assert.Equal(t, 1, outcome.Attempts)
}
