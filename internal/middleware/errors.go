package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "airelay-go/internal/errors"
)

// FormatForPath picks the error envelope matching the caller's wire protocol.
func FormatForPath(path string) apierrors.ErrorFormat {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return apierrors.FormatAnthropic
	case strings.HasPrefix(path, "/v1beta"):
		return apierrors.FormatGemini
	default:
		return apierrors.FormatOpenAI
	}
}

// WriteAPIError renders an APIError in the caller's protocol envelope.
func WriteAPIError(c *gin.Context, apiErr *apierrors.APIError) {
	body, err := apiErr.ToJSON(FormatForPath(c.Request.URL.Path))
	if err != nil {
		c.Status(apiErr.HTTPStatus)
		return
	}
	c.Data(apiErr.HTTPStatus, "application/json", body)
}
