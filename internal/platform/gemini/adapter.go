package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/generation"
	"google.golang.org/genai"
)

// ProviderName is the registry key of the Gemini adapter.
const ProviderName = "gemini"

// contentGenerator is the part of the genai client the adapter calls.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Adapter implements generation.Adapter for chat tasks.
type Adapter struct {
	logger *slog.Logger
	models contentGenerator
	model  string
}

// NewAdapter creates an Adapter with a Gemini API client.
func NewAdapter(ctx context.Context, logger *slog.Logger, cfg config.GeminiConfig) (*Adapter, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return newAdapter(logger, client.Models, cfg.Model), nil
}

func newAdapter(logger *slog.Logger, models contentGenerator, model string) *Adapter {
	return &Adapter{
		logger: logger.With("component", "gemini_adapter"),
		models: models,
		model:  model,
	}
}

var _ generation.Adapter = (*Adapter)(nil)

// Name implements generation.Adapter.
func (a *Adapter) Name() string {
	return ProviderName
}

// Start implements generation.Adapter. Chat replies are always immediate.
func (a *Adapter) Start(ctx context.Context, req generation.Request) (generation.StartResult, error) {
	if req.Kind != domain.KindChat {
		return generation.StartResult{}, fmt.Errorf("%w: gemini handles chat only, got %s",
			generation.ErrUnsupportedKind, req.Kind)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return generation.StartResult{}, fmt.Errorf("%w: empty prompt", generation.ErrInvalidRequest)
	}

	model := req.Model
	if model == "" {
		model = a.model
	}

	a.logger.DebugContext(ctx, "calling gemini",
		"task_id", req.TaskID.String(),
		"model", model,
		"attempt", req.Attempt,
		"prompt_length", len(req.Prompt))

	resp, err := a.models.GenerateContent(ctx, model, genai.Text(req.Prompt), nil)
	if err != nil {
		return generation.StartResult{}, classify(err)
	}

	text, err := extractText(resp)
	if err != nil {
		return generation.StartResult{}, err
	}

	result := &domain.Result{Text: text, Metadata: map[string]string{"model": model}}
	return generation.StartResult{Immediate: result}, nil
}

// Poll implements generation.Adapter. Gemini never returns external task
// ids, so there is nothing to poll.
func (a *Adapter) Poll(context.Context, string) (generation.PollResult, error) {
	return generation.PollResult{}, fmt.Errorf("%w: gemini tasks complete immediately", generation.ErrUnsupportedKind)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	switch {
	case resp == nil:
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	case len(resp.Candidates) == 0:
		return "", fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	case resp.Candidates[0].FinishReason == genai.FinishReasonSafety:
		return "", fmt.Errorf("%w: content blocked by safety filters", generation.ErrContentBlocked)
	case resp.Candidates[0].Content == nil:
		return "", fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: response has no text", generation.ErrInvalidResponse)
	}
	return text, nil
}

// classify maps a client error onto the generation error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	switch {
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: %v", generation.ErrInvalidRequest, err)
	case code != 0:
		return fmt.Errorf("%w: %v", generation.ErrGenerationFailed, err)
	}

	// Transport errors carry no status code.
	return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
}
