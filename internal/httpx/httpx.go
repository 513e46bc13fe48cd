// Package httpx holds gin helpers shared by the HTTP handlers.
package httpx

import (
	"github.com/gin-gonic/gin"
)

// Error writes {"error": msg}. When debug is set the underlying error is
// added under "debug"; otherwise internal detail never reaches the client.
func Error(c *gin.Context, status int, msg string, err error, debug bool) {
	body := gin.H{"error": msg}
	if debug && err != nil {
		body["debug"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}
