package post

import (
	"context"
	"fmt"
	"time"

	"uk.co.dudmesh.crosspost/internal/model"
)

// Enqueuer persists a request to be dispatched after delay.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *model.PostRequest, delay time.Duration) (*model.JobHandle, error)
}

// SubmitResponse holds exactly one of an immediate aggregate or the handle of
// a scheduled job.
type SubmitResponse struct {
	Immediate *model.AggregateResult
	Scheduled *model.JobHandle
}

// Service routes submitted posts to immediate dispatch or the queue.
type Service struct {
	dispatcher *Dispatcher
	queue      Enqueuer
	now        func() time.Time
}

func NewService(dispatcher *Dispatcher, queue Enqueuer) *Service {
	return &Service{
		dispatcher: dispatcher,
		queue:      queue,
		now:        time.Now,
	}
}

// Submit dispatches req now, or enqueues it when it carries a scheduled
// time. A scheduled time in the past is enqueued with no delay.
func (s *Service) Submit(ctx context.Context, req *model.PostRequest) (*SubmitResponse, error) {
	post, err := req.Post()
	if err != nil {
		return nil, err
	}

	if req.ScheduledAt != nil {
		handle, err := s.queue.Enqueue(ctx, req, req.DelayFrom(s.now()))
		if err != nil {
			return nil, fmt.Errorf("enqueueing post: %w", err)
		}
		return &SubmitResponse{Scheduled: handle}, nil
	}

	// The caller going away must not abandon platforms half way through.
	result := s.dispatcher.DispatchPost(context.WithoutCancel(ctx), post)
	return &SubmitResponse{Immediate: result}, nil
}
