package ark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/generation"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
)

// ProviderName is the registry key of the Ark adapter.
const ProviderName = "ark"

// Ark content-generation task statuses
const (
	statusQueued    = "queued"
	statusRunning   = "running"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

// Adapter implements generation.Adapter and generation.CallbackDecoder for
// Ark image and video models.
type Adapter struct {
	logger     *slog.Logger
	api        api
	imageModel string
	videoModel string
}

// NewAdapter creates an Adapter for the configured Ark endpoint.
func NewAdapter(logger *slog.Logger, cfg config.ArkConfig) (*Adapter, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: ark API key cannot be empty", generation.ErrInvalidConfig)
	}
	return newAdapter(logger, newSDKClient(cfg.APIKey, cfg.BaseURL), cfg.ImageModel, cfg.VideoModel), nil
}

func newAdapter(logger *slog.Logger, client api, imageModel, videoModel string) *Adapter {
	return &Adapter{
		logger:     logger.With("component", "ark_adapter"),
		api:        client,
		imageModel: imageModel,
		videoModel: videoModel,
	}
}

var (
	_ generation.Adapter         = (*Adapter)(nil)
	_ generation.CallbackDecoder = (*Adapter)(nil)
)

// Name implements generation.Adapter.
func (a *Adapter) Name() string {
	return ProviderName
}

// Start implements generation.Adapter.
func (a *Adapter) Start(ctx context.Context, req generation.Request) (generation.StartResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return generation.StartResult{}, fmt.Errorf("%w: empty prompt", generation.ErrInvalidRequest)
	}

	switch req.Kind {
	case domain.KindImage:
		return a.startImage(ctx, req)
	case domain.KindVideo:
		return a.startVideo(ctx, req)
	default:
		return generation.StartResult{}, fmt.Errorf("%w: ark handles image and video, got %s",
			generation.ErrUnsupportedKind, req.Kind)
	}
}

func (a *Adapter) startImage(ctx context.Context, req generation.Request) (generation.StartResult, error) {
	modelID := pick(req.Model, a.imageModel)
	a.logger.DebugContext(ctx, "generating image",
		"task_id", req.TaskID.String(),
		"model", modelID,
		"attempt", req.Attempt)

	urls, err := a.api.generateImages(ctx, modelID, req.Prompt)
	if err != nil {
		return generation.StartResult{}, classify(err.Error(), err)
	}
	if len(urls) == 0 {
		return generation.StartResult{}, fmt.Errorf("%w: no images returned", generation.ErrInvalidResponse)
	}

	return generation.StartResult{Immediate: &domain.Result{
		URLs:     urls,
		Metadata: map[string]string{"model": modelID},
	}}, nil
}

func (a *Adapter) startVideo(ctx context.Context, req generation.Request) (generation.StartResult, error) {
	modelID := pick(req.Model, a.videoModel)
	id, err := a.api.createVideoTask(ctx, modelID, req.Prompt, req.AuxiliaryRef)
	if err != nil {
		return generation.StartResult{}, classify(err.Error(), err)
	}
	if id == "" {
		return generation.StartResult{}, fmt.Errorf("%w: no task id returned", generation.ErrInvalidResponse)
	}

	a.logger.InfoContext(ctx, "video task created",
		"task_id", req.TaskID.String(),
		"external_task_id", id,
		"model", modelID)
	return generation.StartResult{ExternalTaskID: id}, nil
}

// Poll implements generation.Adapter.
func (a *Adapter) Poll(ctx context.Context, externalTaskID string) (generation.PollResult, error) {
	t, err := a.api.getVideoTask(ctx, externalTaskID)
	if err != nil {
		return generation.PollResult{}, classify(err.Error(), err)
	}
	return toPollResult(t)
}

// DecodeCallback implements generation.CallbackDecoder. Ark posts the same
// document GetContentGenerationTask returns.
func (a *Adapter) DecodeCallback(body []byte) (generation.Notice, error) {
	var resp model.GetContentGenerationTaskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return generation.Notice{}, fmt.Errorf("%w: %v", generation.ErrInvalidCallback, err)
	}
	if resp.ID == "" {
		return generation.Notice{}, fmt.Errorf("%w: missing id", generation.ErrInvalidCallback)
	}

	pr, err := toPollResult(fromTaskResponse(resp))
	if err != nil {
		return generation.Notice{}, err
	}
	return generation.NoticeFromPoll(ProviderName, resp.ID, pr), nil
}

func toPollResult(t videoTask) (generation.PollResult, error) {
	switch strings.ToLower(t.Status) {
	case statusQueued, statusRunning:
		return generation.PollResult{State: generation.StateRunning}, nil
	case statusSucceeded:
		pr := generation.PollResult{State: generation.StateSucceeded, Progress: 100}
		if t.VideoURL != "" {
			pr.Result = &domain.Result{URLs: []string{t.VideoURL}}
		}
		return pr, nil
	case statusFailed, statusCancelled:
		msg := strings.TrimSpace(t.ErrCode + " " + t.ErrMessage)
		if msg == "" {
			msg = "task " + t.Status
		}
		return generation.PollResult{State: generation.StateFailed, Err: classify(msg, nil)}, nil
	default:
		return generation.PollResult{}, fmt.Errorf("%w: unknown ark task status %q",
			generation.ErrInvalidResponse, t.Status)
	}
}

// classify maps an Ark error code or message onto the generation error
// taxonomy. cause, when set, is kept in the chain.
func classify(msg string, cause error) error {
	wrap := func(sentinel error) error {
		if cause != nil {
			return fmt.Errorf("%w: %w", sentinel, cause)
		}
		return fmt.Errorf("%w: %s", sentinel, msg)
	}

	if cause != nil && (errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled)) {
		return wrap(generation.ErrTransientFailure)
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "sensitive"), strings.Contains(lower, "risk"):
		return wrap(generation.ErrContentBlocked)
	case strings.Contains(lower, "ratelimit"), strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"), strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "internalserviceerror"), strings.Contains(lower, "timeout"),
		strings.Contains(lower, "502"), strings.Contains(lower, "503"),
		strings.Contains(lower, "connection"):
		return wrap(generation.ErrTransientFailure)
	case strings.Contains(lower, "invalidparameter"), strings.Contains(lower, "invalid parameter"),
		strings.Contains(lower, "400"):
		return wrap(generation.ErrInvalidRequest)
	default:
		return wrap(generation.ErrGenerationFailed)
	}
}

func pick(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}
