package ark

import (
	"context"
	"fmt"

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
)

// videoTask is the part of an Ark content-generation task the adapter uses.
type videoTask struct {
	ID         string
	Status     string
	VideoURL   string
	ErrCode    string
	ErrMessage string
}

// api is the subset of the Ark runtime the adapter calls.
type api interface {
	generateImages(ctx context.Context, modelID, prompt string) ([]string, error)
	createVideoTask(ctx context.Context, modelID, prompt, imageURL string) (string, error)
	getVideoTask(ctx context.Context, id string) (videoTask, error)
}

// sdkClient adapts arkruntime.Client to api.
type sdkClient struct {
	client *arkruntime.Client
}

func newSDKClient(apiKey, baseURL string) *sdkClient {
	if baseURL == "" {
		return &sdkClient{client: arkruntime.NewClientWithApiKey(apiKey)}
	}
	return &sdkClient{client: arkruntime.NewClientWithApiKey(apiKey, arkruntime.WithBaseUrl(baseURL))}
}

func (c *sdkClient) generateImages(ctx context.Context, modelID, prompt string) ([]string, error) {
	resp, err := c.client.GenerateImages(ctx, model.GenerateImagesRequest{
		Model:          modelID,
		Prompt:         prompt,
		Size:           volcengine.String("1K"),
		ResponseFormat: volcengine.String(model.GenerateImagesResponseFormatURL),
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}

	urls := make([]string, 0, len(resp.Data))
	for _, image := range resp.Data {
		if image != nil && image.Url != nil && *image.Url != "" {
			urls = append(urls, *image.Url)
		}
	}
	return urls, nil
}

func (c *sdkClient) createVideoTask(ctx context.Context, modelID, prompt, imageURL string) (string, error) {
	content := []*model.CreateContentGenerationContentItem{
		{
			Type: model.ContentGenerationContentItemTypeText,
			Text: volcengine.String(prompt),
		},
	}
	if imageURL != "" {
		content = append(content, &model.CreateContentGenerationContentItem{
			Type:     model.ContentGenerationContentItemTypeImage,
			ImageURL: &model.ImageURL{URL: imageURL},
		})
	}

	resp, err := c.client.CreateContentGenerationTask(ctx, model.CreateContentGenerationTaskRequest{
		Model:   modelID,
		Content: content,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *sdkClient) getVideoTask(ctx context.Context, id string) (videoTask, error) {
	resp, err := c.client.GetContentGenerationTask(ctx, model.GetContentGenerationTaskRequest{ID: id})
	if err != nil {
		return videoTask{}, err
	}
	return fromTaskResponse(resp), nil
}

func fromTaskResponse(resp model.GetContentGenerationTaskResponse) videoTask {
	t := videoTask{
		ID:       resp.ID,
		Status:   resp.Status,
		VideoURL: resp.Content.VideoURL,
	}
	if resp.Error != nil {
		t.ErrCode = resp.Error.Code
		t.ErrMessage = resp.Error.Message
	}
	return t
}
