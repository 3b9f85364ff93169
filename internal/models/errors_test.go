package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("start step: %w", Errorf(ErrOrderViolation, "step %d not complete", 2))

	assert.True(t, errors.Is(err, ErrOrderViolation))
	assert.False(t, errors.Is(err, ErrInvalidTransition))

	typed, ok := AsError(err)
	assert.True(t, ok)
	assert.Equal(t, CodeOrderViolation, typed.Code)
	assert.Equal(t, "ORDER_VIOLATION: predecessor step not complete - step 2 not complete", typed.Error())
}

func TestWorkflowStepStalled(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, WorkflowStep{Status: StepInProgress, LeaseExpiresAt: &past}.Stalled(now))
	assert.False(t, WorkflowStep{Status: StepInProgress, LeaseExpiresAt: &future}.Stalled(now))
	assert.False(t, WorkflowStep{Status: StepInProgress}.Stalled(now))
	assert.False(t, WorkflowStep{Status: StepCompleted, LeaseExpiresAt: &past}.Stalled(now))
}
