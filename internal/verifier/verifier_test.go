package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
)

type stubLLM struct {
	response string
	err      error
	lastReq  schemas.GenerationRequest
}

func (s *stubLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	s.lastReq = req
	return s.response, s.err
}

var sampleBlob = schemas.StateBlob{
	ScreenshotPNG: []byte{1, 2, 3},
	URL:           "https://example.com/login",
	Title:         "Sign in",
}

func TestClassifyBlockingCondition(t *testing.T) {
	llm := &stubLLM{response: `{"type":"consent_dialog","suggested_instruction":"click Accept all"}`}
	svc := New(llm, zap.NewNop())

	cond, err := svc.ClassifyBlockingCondition(context.Background(), sampleBlob)
	require.NoError(t, err)
	assert.True(t, cond.Blocking())
	assert.Equal(t, "consent_dialog", cond.Type)
	assert.Equal(t, "click Accept all", cond.SuggestedInstruction)
	// The screenshot must ride along for the vision model.
	assert.Equal(t, sampleBlob.ScreenshotPNG, llm.lastReq.ImagePNG)
}

func TestClassifyBlockingCondition_Clear(t *testing.T) {
	llm := &stubLLM{response: `{"type":"none"}`}
	cond, err := New(llm, zap.NewNop()).ClassifyBlockingCondition(context.Background(), sampleBlob)
	require.NoError(t, err)
	assert.False(t, cond.Blocking())
}

func TestClassifyBlockingCondition_EmptyBlobSkipsLLM(t *testing.T) {
	llm := &stubLLM{err: errors.New("should not be called")}
	cond, err := New(llm, zap.NewNop()).ClassifyBlockingCondition(context.Background(), schemas.StateBlob{})
	require.NoError(t, err)
	assert.False(t, cond.Blocking())
}

func TestVerifyOutcome_Verdicts(t *testing.T) {
	tests := []struct {
		response string
		want     schemas.VerificationStatus
	}{
		{`{"status":"success","rationale":"form submitted"}`, schemas.VerificationSuccess},
		{`{"status":"failed","rationale":"error banner shown"}`, schemas.VerificationFailed},
		{`{"status":"unknown","rationale":"page still loading"}`, schemas.VerificationUnknown},
		// Off-vocabulary statuses degrade to unknown.
		{`{"status":"maybe","rationale":"?"}`, schemas.VerificationUnknown},
	}

	for _, tc := range tests {
		llm := &stubLLM{response: tc.response}
		verdict, err := New(llm, zap.NewNop()).VerifyOutcome(context.Background(), sampleBlob, "submit the form")
		require.NoError(t, err)
		assert.Equal(t, tc.want, verdict.Status)
	}
}

func TestVerifyOutcome_EmptyBlobIsUnknown(t *testing.T) {
	llm := &stubLLM{err: errors.New("should not be called")}
	verdict, err := New(llm, zap.NewNop()).VerifyOutcome(context.Background(), schemas.StateBlob{}, "anything")
	require.NoError(t, err)
	assert.Equal(t, schemas.VerificationUnknown, verdict.Status)
}

func TestVerifyOutcome_LLMErrorPropagates(t *testing.T) {
	llm := &stubLLM{err: errors.New("provider down")}
	_, err := New(llm, zap.NewNop()).VerifyOutcome(context.Background(), sampleBlob, "x")
	assert.Error(t, err)
}
