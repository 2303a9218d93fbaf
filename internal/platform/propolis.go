package platform

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"strings"

	"uk.co.dudmesh.crosspost/internal/model"
	"uk.co.dudmesh.crosspost/pkg/crypt"
	"uk.co.dudmesh.crosspost/pkg/message"
)

const ContentTypePost = "x-propolis-post"

type PropolisConfig struct {
	ExchangeURL string `env:"EXCHANGE_URL"`
	PrivateKey  string `env:"PRIVATE_KEY"`
}

func (c PropolisConfig) Configured() bool {
	return c.ExchangeURL != "" && c.PrivateKey != ""
}

type propolisAttachment struct {
	Filename    string       `json:"filename,omitempty"`
	ContentType string       `json:"contentType"`
	Data        model.Binary `json:"data"`
	Checksum    uint64       `json:"checksum"`
}

type propolisPost struct {
	Content     string               `json:"content"`
	Attachments []propolisAttachment `json:"attachments"`
}

// propolis delivers posts to a federated exchange as signed envelopes.
type propolis struct {
	exchangeURL string
	privateKey  *ecdsa.PrivateKey
	sender      message.Address
	client      *http.Client
}

func NewPropolis(config PropolisConfig, client *http.Client) (Capability, error) {
	privateKey, err := crypt.DecodePrivateKey(config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding propolis key: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &propolis{
		exchangeURL: strings.TrimRight(config.ExchangeURL, "/"),
		privateKey:  privateKey,
		sender:      message.AddressFor(&privateKey.PublicKey),
		client:      client,
	}, nil
}

func (p *propolis) Publish(ctx context.Context, post *model.Post) (*model.TargetResult, error) {
	payload := propolisPost{Content: post.Message, Attachments: []propolisAttachment{}}
	for _, a := range []*model.Attachment{post.Image, post.Video} {
		if a == nil {
			continue
		}
		payload.Attachments = append(payload.Attachments, propolisAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        a.Data,
			Checksum:    a.Checksum,
		})
	}

	envelope, id, err := message.Sign(payload, ContentTypePost, p.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing post: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.exchangeURL+"/ingest", strings.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("creating ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	if err := do(p.client, req, nil); err != nil {
		return nil, fmt.Errorf("delivering post: %w", err)
	}

	result := model.Succeeded(map[string]string{"id": id, "sender": string(p.sender)})
	return &result, nil
}
