package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xhad/ragchat/pkg/apperr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.ConfigurationError, apperr.UnsupportedFormat, apperr.InvalidArgument,
		apperr.ExtractionFailed, apperr.EmptyDocument:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	code := string(kind)
	if code == "" {
		code = "internal"
	}
	respondStatus(c, statusFor(kind), code, err)
}

func respondStatus(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
