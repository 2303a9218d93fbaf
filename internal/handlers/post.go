package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"uk.co.dudmesh.crosspost/internal/model"
	"uk.co.dudmesh.crosspost/internal/service/post"
)

type PostService interface {
	Submit(ctx context.Context, req *model.PostRequest) (*post.SubmitResponse, error)
}

type scheduledResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Job     *model.JobHandle `json:"job"`
}

// Post accepts a post as JSON or as a multipart form with optional image and
// video files. Posts with a scheduledAt time are queued and acknowledged
// with 202.
func Post(service PostService) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bindPostRequest(c)
		if err != nil {
			return err
		}

		res, err := service.Submit(c.Request().Context(), req)
		if err != nil {
			return err
		}

		if res.Scheduled != nil {
			return c.JSON(http.StatusAccepted, scheduledResponse{
				Success: true,
				Message: model.MessagePostScheduled,
				Job:     res.Scheduled,
			})
		}
		return c.JSON(http.StatusOK, res.Immediate)
	}
}

func bindPostRequest(c echo.Context) (*model.PostRequest, error) {
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(contentType, echo.MIMEApplicationJSON) {
		req := &model.PostRequest{}
		if err := c.Bind(req); err != nil {
			return nil, err
		}
		// Checksums are always computed here, never taken from the caller.
		req.Image = reattach(req.Image)
		req.Video = reattach(req.Video)
		return req, nil
	}

	form, err := c.FormParams()
	if err != nil {
		return nil, fmt.Errorf("parsing form: %w", err)
	}

	req := &model.PostRequest{Message: form.Get("message")}

	// A single value is the JSON encoded list, repeated values are the list.
	switch values := form["platforms"]; len(values) {
	case 0:
	case 1:
		req.Platforms = model.EncodedTargets(values[0])
	default:
		req.Platforms = model.TargetList(values...)
	}

	if raw := form.Get("scheduledAt"); raw != "" {
		scheduledAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, &model.ValidationError{Field: "scheduledAt", Message: "must be an RFC3339 timestamp"}
		}
		req.ScheduledAt = &scheduledAt
	}

	if req.Image, err = formAttachment(c, "image"); err != nil {
		return nil, err
	}
	if req.Video, err = formAttachment(c, "video"); err != nil {
		return nil, err
	}
	return req, nil
}

func reattach(a *model.Attachment) *model.Attachment {
	if a == nil {
		return nil
	}
	return model.NewAttachment(a.Filename, a.ContentType, a.Data)
}

func formAttachment(c echo.Context, field string) (*model.Attachment, error) {
	header, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", field, err)
	}

	data, err := readFile(header)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", field, err)
	}
	return model.NewAttachment(header.Filename, header.Header.Get(echo.HeaderContentType), data), nil
}

func readFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
