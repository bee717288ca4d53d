package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/snoupix/sharify-go/internal/logging"
)

// HeaderXCorrelationID is the header carrying a caller-supplied (or
// server-generated) correlation ID through to the logger.
const HeaderXCorrelationID = "X-Correlation-ID"

// correlationID attaches a request-scoped correlation ID to the gin context
// and echoes it back in the response header, so a caller's own ID survives
// round-trip logging.
func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(HeaderXCorrelationID, id)

		ctx := logging.WithCorrelationID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
