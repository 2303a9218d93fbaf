package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"uk.co.dudmesh.crosspost/internal/model"
)

const (
	collectionFeedPost = "app.bsky.feed.post"
	embedImages        = "app.bsky.embed.images"
	embedVideo         = "app.bsky.embed.video"
	defaultImageAlt    = "Uploaded Image"
)

type BlueskyConfig struct {
	Handle      string        `env:"HANDLE"`
	AppPassword string        `env:"APP_PASSWORD"`
	ServiceURL  string        `env:"SERVICE_URL,default=https://bsky.social"`
	ClientID    string        `env:"CLIENT_ID"`
	CallbackURL string        `env:"CALLBACK_URL,default=http://127.0.0.1:3000/auth/bluesky/callback"`
	SessionTTL  time.Duration `env:"SESSION_TTL,default=1h"`
}

func (c BlueskyConfig) Configured() bool {
	return c.Handle != "" && c.AppPassword != ""
}

type blueskySession struct {
	AccessJWT string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

type bluesky struct {
	config BlueskyConfig
	client *http.Client
	oauth  *oauth2.Config

	mu        sync.Mutex
	session   *blueskySession
	expiresAt time.Time
}

// NewBluesky returns a capability that logs in with the account handle and an
// app password. Without credentials every publish fails with a redirect URL
// the user can follow to authorise the account.
func NewBluesky(config BlueskyConfig, client *http.Client) Capability {
	if client == nil {
		client = http.DefaultClient
	}
	service := strings.TrimRight(config.ServiceURL, "/")
	return &bluesky{
		config: config,
		client: client,
		oauth: &oauth2.Config{
			ClientID:    config.ClientID,
			RedirectURL: config.CallbackURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  service + "/oauth/authorize",
				TokenURL: service + "/oauth/token",
			},
		},
	}
}

func (b *bluesky) Publish(ctx context.Context, post *model.Post) (*model.TargetResult, error) {
	if !b.config.Configured() {
		result := model.Failed("Authentication required.")
		result.RedirectURL = b.oauth.AuthCodeURL("", oauth2.SetAuthURLParam("response_type", "token"))
		return &result, nil
	}

	session, err := b.login(ctx)
	if err != nil {
		return nil, err
	}

	record := map[string]interface{}{
		"$type":     collectionFeedPost,
		"text":      post.Message,
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}

	switch {
	case post.Video != nil:
		blob, err := b.uploadBlob(ctx, session, post.Video)
		if err != nil {
			return nil, err
		}
		record["embed"] = map[string]interface{}{
			"$type": embedVideo,
			"video": blob,
		}
	case post.Image != nil:
		blob, err := b.uploadBlob(ctx, session, post.Image)
		if err != nil {
			return nil, err
		}
		alt := post.Image.Filename
		if alt == "" {
			alt = defaultImageAlt
		}
		record["embed"] = map[string]interface{}{
			"$type":  embedImages,
			"images": []map[string]interface{}{{"image": blob, "alt": alt}},
		}
	}

	body, err := jsonBody(map[string]interface{}{
		"repo":       session.DID,
		"collection": collectionFeedPost,
		"record":     record,
	})
	if err != nil {
		return nil, err
	}
	req, err := b.request(ctx, "com.atproto.repo.createRecord", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+session.AccessJWT)

	var created struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := b.do(req, &created); err != nil {
		return nil, fmt.Errorf("creating record: %w", err)
	}

	result := model.Succeeded(created)
	return &result, nil
}

func (b *bluesky) login(ctx context.Context) (*blueskySession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil && time.Now().Before(b.expiresAt) {
		return b.session, nil
	}

	body, err := jsonBody(map[string]string{
		"identifier": b.config.Handle,
		"password":   b.config.AppPassword,
	})
	if err != nil {
		return nil, err
	}
	req, err := b.request(ctx, "com.atproto.server.createSession", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	session := &blueskySession{}
	if err := do(b.client, req, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	b.session = session
	b.expiresAt = time.Now().Add(b.config.SessionTTL)
	return session, nil
}

func (b *bluesky) uploadBlob(ctx context.Context, session *blueskySession, attachment *model.Attachment) (json.RawMessage, error) {
	req, err := b.request(ctx, "com.atproto.repo.uploadBlob", bytes.NewReader(attachment.Data))
	if err != nil {
		return nil, err
	}
	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+session.AccessJWT)

	var uploaded struct {
		Blob json.RawMessage `json:"blob"`
	}
	if err := b.do(req, &uploaded); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", attachment.Filename, err)
	}
	if len(uploaded.Blob) == 0 {
		return nil, fmt.Errorf("uploading %s: no blob returned", attachment.Filename)
	}
	return uploaded.Blob, nil
}

// do drops the cached session when the service rejects it so the next
// publish logs in again.
func (b *bluesky) do(req *http.Request, out interface{}) error {
	err := do(b.client, req, out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized {
		b.mu.Lock()
		b.session = nil
		b.mu.Unlock()
	}
	return err
}

func (b *bluesky) request(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	endpoint := strings.TrimRight(b.config.ServiceURL, "/") + "/xrpc/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", method, err)
	}
	return req, nil
}
