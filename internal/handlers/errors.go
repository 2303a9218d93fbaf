package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"uk.co.dudmesh.crosspost/internal/model"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ErrorHandler answers domain errors with {success:false, error} and leaves
// everything else to next.
func ErrorHandler(next echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var parseErr *model.ParseError
		var validationErr *model.ValidationError

		code := 0
		switch {
		case errors.As(err, &parseErr):
			code, err = http.StatusBadRequest, parseErr
		case errors.As(err, &validationErr):
			code, err = http.StatusBadRequest, validationErr
		case errors.Is(err, model.ErrorJobNotFound):
			code = http.StatusNotFound
		case errors.Is(err, model.ErrorJobNotPending):
			code = http.StatusConflict
		default:
			next(err, c)
			return
		}

		if c.Response().Committed {
			return
		}
		if err := c.JSON(code, errorResponse{Success: false, Error: err.Error()}); err != nil {
			c.Logger().Error(err)
		}
	}
}

// APIKeyValidator checks keys against a bcrypt hash for use with
// middleware.KeyAuth.
func APIKeyValidator(hash string) func(key string, c echo.Context) (bool, error) {
	return func(key string, c echo.Context) (bool, error) {
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
		if err != nil {
			if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
}
