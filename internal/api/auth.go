package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"smartbus-ledger/internal/transit"
)

// DeviceAuth rejects requests whose device token header is missing or wrong.
func DeviceAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := c.GetHeader(DeviceTokenHeader)
		if got == "" || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": transit.ErrUnauthorized.Error(),
			})
			return
		}
		c.Next()
	}
}
