package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"uk.co.dudmesh.crosspost/internal/model"
)

type TwitterConfig struct {
	AccessToken string `env:"ACCESS_TOKEN"`
	UploadURL   string `env:"UPLOAD_URL,default=https://upload.twitter.com/1.1/media/upload.json"`
	APIURL      string `env:"API_URL,default=https://api.twitter.com"`
}

func (c TwitterConfig) Configured() bool {
	return c.AccessToken != ""
}

// twitter uploads media through the v1.1 upload endpoint then creates the
// tweet through the v2 API.
type twitter struct {
	config TwitterConfig
	client *http.Client
}

// NewTwitter returns a capability authorised with the account's user access
// token. base is used as the underlying transport client and may be nil.
func NewTwitter(ctx context.Context, config TwitterConfig, base *http.Client) Capability {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: config.AccessToken,
		TokenType:   "Bearer",
	}))
	return &twitter{config: config, client: client}
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

func (t *twitter) Publish(ctx context.Context, post *model.Post) (*model.TargetResult, error) {
	var mediaIDs []string
	for _, attachment := range []*model.Attachment{post.Image, post.Video} {
		if attachment == nil {
			continue
		}
		id, err := t.upload(ctx, attachment)
		if err != nil {
			return nil, err
		}
		mediaIDs = append(mediaIDs, id)
	}

	tweet := tweetRequest{Text: post.Message}
	if len(mediaIDs) > 0 {
		tweet.Media = &tweetMedia{MediaIDs: mediaIDs}
	}
	body, err := jsonBody(tweet)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.config.APIURL, "/")+"/2/tweets", body)
	if err != nil {
		return nil, fmt.Errorf("creating tweet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var created tweetResponse
	if err := do(t.client, req, &created); err != nil {
		return nil, fmt.Errorf("creating tweet: %w", err)
	}

	result := model.Succeeded(created.Data)
	return &result, nil
}

func (t *twitter) upload(ctx context.Context, attachment *model.Attachment) (string, error) {
	body, contentType, err := newMultipartBody(nil, formFile{
		field:       "media",
		filename:    attachment.Filename,
		contentType: attachment.ContentType,
		data:        attachment.Data,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.UploadURL, body)
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var uploaded struct {
		MediaID string `json:"media_id_string"`
	}
	if err := do(t.client, req, &uploaded); err != nil {
		return "", fmt.Errorf("uploading %s: %w", attachment.Filename, err)
	}
	if uploaded.MediaID == "" {
		return "", fmt.Errorf("uploading %s: no media id returned", attachment.Filename)
	}
	return uploaded.MediaID, nil
}
