package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/taskmesh/core"
)

func TestDecide_Transient(t *testing.T) {
	cfg := Config{MaxTransientAttempts: 3, BackoffBase: 50 * time.Millisecond}

	d := Decide(core.ClassTransient, 1, cfg)
	assert.Equal(t, OutcomeRetry, d.Outcome)
	assert.Equal(t, 50*time.Millisecond, d.Delay)

	d = Decide(core.ClassTransient, 2, cfg)
	assert.Equal(t, OutcomeRetry, d.Outcome)
	assert.Equal(t, 100*time.Millisecond, d.Delay)

	d = Decide(core.ClassTransient, 3, cfg)
	assert.Equal(t, OutcomeSuspend, d.Outcome)
	assert.NotEmpty(t, d.Reason)
}

func TestDecide_ValidationNeverRetried(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		d := Decide(core.ClassValidation, attempt, Config{})
		assert.Equal(t, OutcomeFail, d.Outcome, "attempt %d", attempt)
	}
}

func TestDecide_UpstreamNeverRetried(t *testing.T) {
	d := Decide(core.ClassUpstream, 0, Config{})
	assert.Equal(t, OutcomeFail, d.Outcome)
}

func TestDecide_CapabilityUnavailableSuspends(t *testing.T) {
	d := Decide(core.ClassCapabilityUnavailable, 1, Config{})
	assert.Equal(t, OutcomeSuspend, d.Outcome)
	assert.NotEmpty(t, d.Reason)
}

func TestDecide_CancelledFailsWithoutRetry(t *testing.T) {
	d := Decide(core.ClassCancelled, 1, Config{})
	assert.Equal(t, OutcomeFail, d.Outcome)
}

func TestDecide_UnknownSingleRetryThenSuspend(t *testing.T) {
	d := Decide(core.ClassUnknown, 1, Config{})
	assert.Equal(t, OutcomeRetry, d.Outcome)

	d = Decide(core.ClassUnknown, 2, Config{})
	assert.Equal(t, OutcomeSuspend, d.Outcome)
}

func TestConfig_Normalize(t *testing.T) {
	cfg := Config{}.Normalize()
	assert.Equal(t, DefaultConfig(), cfg)

	custom := Config{MaxTransientAttempts: 5}.Normalize()
	assert.Equal(t, 5, custom.MaxTransientAttempts)
	assert.Equal(t, DefaultConfig().BackoffBase, custom.BackoffBase)
}
