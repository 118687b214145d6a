package gemini

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	resp      *genai.GenerateContentResponse
	err       error
	lastModel string
	lastText  string
}

func (f *fakeModels) GenerateContent(
	_ context.Context,
	model string,
	contents []*genai.Content,
	_ *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	f.lastModel = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.lastText = contents[0].Parts[0].Text
	}
	return f.resp, f.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: "model"}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: content, FinishReason: genai.FinishReasonStop}},
	}
}

func chatRequest(prompt string) generation.Request {
	return generation.Request{
		TaskID:  uuid.New(),
		OwnerID: uuid.New(),
		Kind:    domain.KindChat,
		Model:   "gemini-2.0-flash",
		Prompt:  prompt,
		Attempt: 1,
	}
}

func testAdapter(models contentGenerator) *Adapter {
	return newAdapter(slog.New(slog.NewTextHandler(io.Discard, nil)), models, "gemini-default")
}

func TestAdapter_StartReturnsImmediateText(t *testing.T) {
	t.Parallel()
	models := &fakeModels{resp: textResponse("A quasar is ", "a very bright nucleus.")}
	a := testAdapter(models)

	res, err := a.Start(context.Background(), chatRequest("what is a quasar?"))
	require.NoError(t, err)
	require.NotNil(t, res.Immediate)
	assert.Empty(t, res.ExternalTaskID)
	assert.Equal(t, "A quasar is a very bright nucleus.", res.Immediate.Text)
	assert.Equal(t, "gemini-2.0-flash", models.lastModel)
	assert.Equal(t, "what is a quasar?", models.lastText)
}

func TestAdapter_StartUsesDefaultModel(t *testing.T) {
	t.Parallel()
	models := &fakeModels{resp: textResponse("hi")}
	req := chatRequest("hello")
	req.Model = ""

	_, err := testAdapter(models).Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gemini-default", models.lastModel)
}

func TestAdapter_StartErrors(t *testing.T) {
	t.Parallel()

	blocked := textResponse("")
	blocked.Candidates[0].FinishReason = genai.FinishReasonSafety

	tests := []struct {
		name string
		req  generation.Request
		resp *genai.GenerateContentResponse
		err  error
		want error
	}{
		{"wrong kind", func() generation.Request {
			r := chatRequest("draw")
			r.Kind = domain.KindImage
			return r
		}(), nil, nil, generation.ErrUnsupportedKind},
		{"empty prompt", chatRequest("  "), nil, nil, generation.ErrInvalidRequest},
		{"nil response", chatRequest("x"), nil, nil, generation.ErrInvalidResponse},
		{"no candidates", chatRequest("x"), &genai.GenerateContentResponse{}, nil, generation.ErrInvalidResponse},
		{"safety block", chatRequest("x"), blocked, nil, generation.ErrContentBlocked},
		{"blank text", chatRequest("x"), textResponse("   "), nil, generation.ErrInvalidResponse},
		{"rate limited", chatRequest("x"), nil, genai.APIError{Code: 429, Message: "slow down"},
			generation.ErrTransientFailure},
		{"server error", chatRequest("x"), nil, genai.APIError{Code: 503, Message: "unavailable"},
			generation.ErrTransientFailure},
		{"bad request", chatRequest("x"), nil, genai.APIError{Code: 400, Message: "bad"},
			generation.ErrInvalidRequest},
		{"timeout", chatRequest("x"), nil, context.DeadlineExceeded, generation.ErrTransientFailure},
		{"transport", chatRequest("x"), nil, errors.New("connection reset"), generation.ErrTransientFailure},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := testAdapter(&fakeModels{resp: tc.resp, err: tc.err})
			_, err := a.Start(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAdapter_PollUnsupported(t *testing.T) {
	t.Parallel()
	_, err := testAdapter(&fakeModels{}).Poll(context.Background(), "x")
	assert.ErrorIs(t, err, generation.ErrUnsupportedKind)
	assert.False(t, generation.IsTransient(err))
}

func TestNewAdapter_RequiresKey(t *testing.T) {
	t.Parallel()
	_, err := NewAdapter(context.Background(), slog.Default(), config.GeminiConfig{})
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = NewAdapter(context.Background(), nil, config.GeminiConfig{APIKey: "k"})
	assert.Error(t, err)
}
