package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"cancelled", context.Canceled, KindCancelled},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransient},
		{"rate limited", &ProviderError{Provider: "p", Class: ClassRateLimited}, KindTransient},
		{"content policy", &ProviderError{Provider: "p", Class: ClassContentPolicy}, KindProviderRefusal},
		{"auth", &ProviderError{Provider: "p", Class: ClassAuthentication}, KindProviderUnavailable},
		{"classified", Wrap(ErrBudgetExceeded, "window", nil), KindConfiguration},
		{"cancelled unit", Wrap(ErrCancelled, "coordinator.child", nil), KindCancelled},
		{"plain", errors.New("boom"), KindInternal},
		{"delegation", &DelegationError{Caller: "a", Callee: "b", Err: ErrCapabilityDenied}, KindCapabilityDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_IsMatchesWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(ErrAgentNotFound, "delegate", errors.New("missing")))
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.NotErrorIs(t, err, ErrCapabilityDenied)
}

func TestDescribe_HidesRawCause(t *testing.T) {
	err := NewError(KindTransient, "provider", "", errors.New("dial tcp 10.0.0.1:443: i/o timeout"))
	info := Describe(err)
	assert.Equal(t, KindTransient, info.Kind)
	assert.NotContains(t, info.Summary, "10.0.0.1")

	de := &DelegationError{Caller: "lead", Callee: "researcher", Err: ErrPermissionDenied}
	info = Describe(de)
	assert.Equal(t, KindPermissionDenied, info.Kind)
	assert.Equal(t, "researcher", info.Callee)
	assert.Contains(t, info.Summary, "researcher")
}

func TestUsageMeter(t *testing.T) {
	m := NewUsageMeter(2)
	assert.NoError(t, m.BeginCall())
	assert.NoError(t, m.BeginCall())
	assert.ErrorIs(t, m.BeginCall(), ErrStepLimit)
	assert.Equal(t, 0, m.Remaining())

	m.Record(TokenUsage{PromptTokens: 3, CompletionTokens: 4})
	m.Record(TokenUsage{PromptTokens: 1})
	assert.Equal(t, 8, m.Usage().Total())

	assert.Equal(t, -1, NewUsageMeter(0).Remaining())
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "ok thanks", NormalizeText("  OK \n\t Thanks "))
	assert.Equal(t, NormalizeText("We decided"), NormalizeText("we   DECIDED"))
}

func TestPermissionModeResolve(t *testing.T) {
	assert.Equal(t, ModeRead, ModeInherit.Resolve(ModeRead))
	assert.Equal(t, ModeReadWrite, ModeInherit.Resolve(""))
	assert.Equal(t, ModeRead, ModeRead.Resolve(ModeReadWrite))
}
