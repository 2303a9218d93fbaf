package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"uk.co.dudmesh.crosspost/internal/model"
)

var ErrorMediaRequired = errors.New("an image or video is required")

type InstagramConfig struct {
	AccessToken string `env:"ACCESS_TOKEN"`
	GraphURL    string `env:"GRAPH_URL,default=https://graph.facebook.com/v12.0"`
}

func (c InstagramConfig) Configured() bool {
	return c.AccessToken != ""
}

type instagram struct {
	config InstagramConfig
	client *http.Client
}

func NewInstagram(config InstagramConfig, client *http.Client) Capability {
	if client == nil {
		client = http.DefaultClient
	}
	return &instagram{config: config, client: client}
}

type graphID struct {
	ID string `json:"id"`
}

func (i *instagram) Publish(ctx context.Context, post *model.Post) (*model.TargetResult, error) {
	// The video container wins when both are attached.
	var field string
	var media *model.Attachment
	switch {
	case post.Video != nil:
		field, media = "video", post.Video
	case post.Image != nil:
		field, media = "image", post.Image
	default:
		return nil, ErrorMediaRequired
	}

	creationID, err := i.createContainer(ctx, field, media, post.Message)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("creation_id", creationID)
	query.Set("access_token", i.config.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint("/me/media_publish")+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating publish request: %w", err)
	}

	var published graphID
	if err := do(i.client, req, &published); err != nil {
		return nil, fmt.Errorf("publishing media: %w", err)
	}

	result := model.Succeeded(published)
	return &result, nil
}

func (i *instagram) createContainer(ctx context.Context, field string, media *model.Attachment, caption string) (string, error) {
	body, contentType, err := newMultipartBody(
		[]formField{
			{name: "access_token", value: i.config.AccessToken},
			{name: "caption", value: caption},
		},
		formFile{field: field, filename: media.Filename, contentType: media.ContentType, data: media.Data},
	)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint("/me/media"), body)
	if err != nil {
		return "", fmt.Errorf("creating media request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var container graphID
	if err := do(i.client, req, &container); err != nil {
		return "", fmt.Errorf("uploading %s: %w", field, err)
	}
	if container.ID == "" {
		return "", fmt.Errorf("uploading %s: no container id returned", field)
	}
	return container.ID, nil
}

func (i *instagram) endpoint(path string) string {
	return strings.TrimRight(i.config.GraphURL, "/") + path
}
