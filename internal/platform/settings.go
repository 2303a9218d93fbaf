package platform

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
)

// Settings holds the credentials of every destination. A destination is only
// registered when its credentials are present, apart from bluesky which is
// always registered so it can hand back an authorisation URL.
type Settings struct {
	RatePerSecond float64         `env:"PLATFORM_RATE_PER_SEC,default=5"`
	Twitter       TwitterConfig   `env:",prefix=TWITTER_"`
	Instagram     InstagramConfig `env:",prefix=INSTAGRAM_"`
	Bluesky       BlueskyConfig   `env:",prefix=BLUESKY_"`
	Propolis      PropolisConfig  `env:",prefix=PROPOLIS_"`
}

func Build(ctx context.Context, settings Settings, client *http.Client) (*Registry, error) {
	registry := NewRegistry()
	register := func(id string, c Capability) {
		var limiter *rate.Limiter
		if settings.RatePerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(settings.RatePerSecond), 1)
		}
		registry.Register(id, Limited(c, limiter))
	}

	if settings.Twitter.Configured() {
		register(Twitter, NewTwitter(ctx, settings.Twitter, client))
	}
	if settings.Instagram.Configured() {
		register(Instagram, NewInstagram(settings.Instagram, client))
	}
	register(Bluesky, NewBluesky(settings.Bluesky, client))
	if settings.Propolis.Configured() {
		c, err := NewPropolis(settings.Propolis, client)
		if err != nil {
			return nil, fmt.Errorf("creating propolis capability: %w", err)
		}
		register(Propolis, c)
	}

	return registry, nil
}
