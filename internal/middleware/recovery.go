package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clinicore/clinicore/pkg/errors"
	"github.com/clinicore/clinicore/pkg/logger"
	"github.com/clinicore/clinicore/pkg/response"
)

// Recovery converts panics into a uniform 500 response and logs the
// panic value with the request correlation id. Clients never see the
// underlying error.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithModule("http").Error("panic",
					zap.String("path", c.Request.URL.Path),
					zap.Any("error", r),
					logger.CorrelationField(c.Request.Context()),
				)
				response.Error(c, errors.ErrInternalServer)
				c.Abort()
			}
		}()
		c.Next()
	}
}

// NotFoundHandler answers unknown routes with the envelope shape.
func NotFoundHandler(c *gin.Context) {
	response.Error(c, errors.ErrNotFound)
}
