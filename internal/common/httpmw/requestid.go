package httpmw

import (
	"github.com/gin-gonic/gin"

	"github.com/devflow/devflow/internal/common/ident"
)

// HeaderRequestID is the header carrying the request identifier. Clients may
// supply their own; the node generates one otherwise and echoes it back.
const HeaderRequestID = "X-Request-Id"

const ctxKeyRequestID = "devflow.request_id"

// RequestID tags every request with an identifier so that node logs can be
// correlated with orchestrator-side retries.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = ident.NewRequestID()
		}
		c.Set(ctxKeyRequestID, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID returns the identifier assigned by RequestID, or "" when the
// middleware is not installed.
func GetRequestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}
