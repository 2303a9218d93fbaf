package post

import (
	"context"
	"fmt"

	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"

	"uk.co.dudmesh.crosspost/internal/model"
	"uk.co.dudmesh.crosspost/internal/platform"
)

// Registry resolves a platform identifier to its capability.
type Registry interface {
	Lookup(id string) (platform.Capability, bool)
}

// ResultObserver is told about every settled platform result.
type ResultObserver func(platform string, result model.TargetResult)

// Dispatcher fans a post out to every requested platform at once and waits
// for all of them to settle. It keeps no state between calls.
type Dispatcher struct {
	registry Registry
	observer ResultObserver
	logger   *log.Logger
}

// NewDispatcher reports every settled result to observer, which may be nil.
func NewDispatcher(registry Registry, observer ResultObserver) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		observer: observer,
		logger:   log.New("dispatch"),
	}
}

// Dispatch validates req and publishes it. Validation and parse failures are
// returned before any platform is contacted. Once dispatch has started the
// aggregate is always returned, whatever the individual outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, req *model.PostRequest) (*model.AggregateResult, error) {
	post, err := req.Post()
	if err != nil {
		return nil, err
	}
	return d.DispatchPost(ctx, post), nil
}

func (d *Dispatcher) DispatchPost(ctx context.Context, post *model.Post) *model.AggregateResult {
	// One slot per platform, written only by that platform's goroutine.
	settled := make([]*model.TargetResult, len(post.Platforms))

	// No derived context: a failing platform must not cancel its siblings.
	var g errgroup.Group
	for i, id := range post.Platforms {
		i, id := i, id
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("settling %s: %v", id, r)
				}
			}()

			result := d.publish(ctx, id, post)
			settled[i] = &result
			if d.observer != nil {
				d.observer(id, result)
			}
			return nil
		})
	}
	joinErr := g.Wait()

	results := make(map[string]model.TargetResult, len(post.Platforms))
	for i, id := range post.Platforms {
		if settled[i] != nil {
			results[id] = *settled[i]
		}
	}
	if joinErr != nil {
		d.logger.Errorf("dispatch: %v", joinErr)
		results[model.UnknownPlatform] = model.Failed(joinErr.Error())
	}

	return &model.AggregateResult{
		Success: true,
		Message: model.MessagePostUpdated,
		Results: results,
	}
}

func (d *Dispatcher) publish(ctx context.Context, id string, post *model.Post) (result model.TargetResult) {
	capability, ok := d.registry.Lookup(id)
	if !ok {
		d.logger.Warnf("unsupported platform %q", id)
		return model.Unsupported(id)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("%s panicked: %v", id, r)
			result = model.Failed(fmt.Sprintf("%v", r))
		}
	}()

	res, err := capability.Publish(ctx, post)
	if err != nil {
		d.logger.Errorf("publishing to %s: %v", id, err)
		return model.Failed(err.Error())
	}
	if res == nil {
		return model.Failed("no result returned")
	}
	return *res
}
