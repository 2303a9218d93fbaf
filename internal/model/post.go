package model

import (
	"strings"
	"time"
)

// PostRequest is one authoring intent as submitted by a caller.
type PostRequest struct {
	Message     string      `json:"message"`
	Platforms   Targets     `json:"platforms"`
	Image       *Attachment `json:"image,omitempty"`
	Video       *Attachment `json:"video,omitempty"`
	ScheduledAt *time.Time  `json:"scheduledAt,omitempty"`
}

// Post is a validated request with its platform list normalized. It is what
// platforms receive and must be treated as read-only by them.
type Post struct {
	Message   string
	Platforms []string
	Image     *Attachment
	Video     *Attachment
}

// Post validates the request and normalizes its platform list.
func (r *PostRequest) Post() (*Post, error) {
	if strings.TrimSpace(r.Message) == "" {
		return nil, &ValidationError{Field: "message", Message: "message is required"}
	}
	platforms, err := r.Platforms.Normalize()
	if err != nil {
		return nil, err
	}
	return &Post{
		Message:   r.Message,
		Platforms: platforms,
		Image:     r.Image,
		Video:     r.Video,
	}, nil
}

// DelayFrom returns how long to wait from now until the scheduled time. A
// time in the past, or no time at all, means no wait.
func (r *PostRequest) DelayFrom(now time.Time) time.Duration {
	if r.ScheduledAt == nil {
		return 0
	}
	return max(0, r.ScheduledAt.Sub(now))
}

// VerifyAttachments checks attachment data against the recorded checksums.
func (r *PostRequest) VerifyAttachments() error {
	if err := r.Image.Verify(); err != nil {
		return err
	}
	return r.Video.Verify()
}
