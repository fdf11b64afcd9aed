package middleware

import (
	"net/http"
	"strings"

	"github.com/blues/aidefund/internal/auth"
	"github.com/blues/aidefund/internal/logger"
	"github.com/gin-gonic/gin"
)

// ContextUserKey gin 上下文中保存当前用户的键
const ContextUserKey = "user"

// Auth JWT 鉴权中间件，Authorization: Bearer <token>
func Auth(tokens *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, "No token, authorization denied")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
			abort(c, "Token format is incorrect, authorization denied")
			return
		}

		claims, err := tokens.Parse(strings.TrimSpace(parts[1]))
		if err != nil {
			logger.Debug("Rejected token on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
			abort(c, "Token is not valid")
			return
		}

		c.Set(ContextUserKey, claims.User)
		c.Next()
	}
}

// CurrentUser 获取当前登录用户
func CurrentUser(c *gin.Context) (auth.UserInfo, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return auth.UserInfo{}, false
	}
	user, ok := v.(auth.UserInfo)
	return user, ok
}

func abort(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": message,
	})
}
