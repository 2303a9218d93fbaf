package model

import "fmt"

const (
	MessagePostUpdated   = "Post updated"
	MessagePostScheduled = "Post scheduled"

	// UnknownPlatform collects outcomes that cannot be attributed to a
	// requested platform.
	UnknownPlatform = "unknown"
)

// TargetResult is the outcome for one platform.
type TargetResult struct {
	Success     bool        `json:"success"`
	Data        interface{} `json:"data,omitempty"`
	Error       string      `json:"error,omitempty"`
	RedirectURL string      `json:"redirectUrl,omitempty"`
}

func Succeeded(data interface{}) TargetResult {
	return TargetResult{Success: true, Data: data}
}

func Failed(message string) TargetResult {
	return TargetResult{Success: false, Error: message}
}

func Unsupported(platform string) TargetResult {
	return Failed(fmt.Sprintf("Unsupported platform: %s", platform))
}

// AggregateResult is the response envelope for a dispatch. Success only
// reports that the dispatch ran; each platform's outcome is in Results.
type AggregateResult struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	Results map[string]TargetResult `json:"results"`
}
