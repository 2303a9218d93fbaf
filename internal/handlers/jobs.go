package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"uk.co.dudmesh.crosspost/internal/model"
)

type JobService interface {
	Get(ctx context.Context, id model.JobID) (*model.Job, error)
	Cancel(ctx context.Context, id model.JobID) error
}

type PlatformLister interface {
	Platforms() []string
}

type attachmentResponse struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int    `json:"size"`
}

type jobResponse struct {
	ID        model.JobID            `json:"id"`
	Status    model.JobStatus        `json:"status"`
	Done      bool                   `json:"done"`
	Attempts  int                    `json:"attempts"`
	DelayMS   int64                  `json:"delayMs"`
	RunAt     string                 `json:"runAt"`
	CreatedAt string                 `json:"createdAt"`
	UpdatedAt string                 `json:"updatedAt"`
	Platforms []string               `json:"platforms"`
	Image     *attachmentResponse    `json:"image,omitempty"`
	Video     *attachmentResponse    `json:"video,omitempty"`
	Result    *model.AggregateResult `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func newJobResponse(job *model.Job) *jobResponse {
	platforms, _ := job.Request.Platforms.Normalize()
	return &jobResponse{
		ID:        job.ID,
		Status:    job.Status,
		Done:      job.Status.Terminal(),
		Attempts:  job.Attempts,
		DelayMS:   job.Delay.Milliseconds(),
		RunAt:     job.RunAt.Format(timeFormat),
		CreatedAt: job.CreatedAt.Format(timeFormat),
		UpdatedAt: job.UpdatedAt.Format(timeFormat),
		Platforms: platforms,
		Image:     newAttachmentResponse(job.Request.Image),
		Video:     newAttachmentResponse(job.Request.Video),
		Result:    job.Result,
		Error:     job.LastError,
	}
}

func newAttachmentResponse(a *model.Attachment) *attachmentResponse {
	if a == nil {
		return nil
	}
	return &attachmentResponse{Filename: a.Filename, ContentType: a.ContentType, Size: a.Size()}
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// GetJob reports the status of a scheduled post. Attachments are described
// by name and size, their data is never returned.
func GetJob(jobs JobService) echo.HandlerFunc {
	return func(c echo.Context) error {
		job, err := jobs.Get(c.Request().Context(), model.JobID(c.Param("id")))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, newJobResponse(job))
	}
}

func CancelJob(jobs JobService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := model.JobID(c.Param("id"))
		if err := jobs.Cancel(c.Request().Context(), id); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"id":      id,
			"status":  model.JobStatusCancelled,
		})
	}
}

func ListPlatforms(platforms PlatformLister) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string][]string{
			"platforms": platforms.Platforms(),
		})
	}
}
