package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Recovery turns handler panics into JSON 500 responses. http.ErrAbortHandler
// is re-raised untouched; net/http closes the connection without the terminal
// chunk, which is how a stream is ended in an error state.
func (h *Handler) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok && err == http.ErrAbortHandler {
					panic(r)
				}
				h.logger.Errorw("handler panic recovered", "path", c.Request.URL.Path, "panic", r)
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				}
			}
		}()
		c.Next()
	}
}
