package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/doc_intel_server/internal/pkg/jwt"
	"github.com/qs3c/doc_intel_server/internal/pkg/response"
)

const (
	UserIDKey = "userID"
)

var (
	ErrMissingToken   = errors.New("missing token")
	ErrMalformedToken = errors.New("malformed authorization header")
	ErrInvalidToken   = errors.New("invalid or expired token")
)

// authMessages 认证失败时返回给用户的提示
var authMessages = map[error]string{
	ErrMissingToken:   "请提供认证信息",
	ErrMalformedToken: "认证格式错误",
	ErrInvalidToken:   "认证失败或已过期",
}

// Authenticate 解析请求携带的 JWT，返回任务所有者标识。
// 浏览器无法为 WebSocket 握手设置请求头，升级请求没有 Authorization 时从 query 的 token 读取
func Authenticate(c *gin.Context, jwtSecret string) (string, error) {
	token, err := requestToken(c)
	if err != nil {
		return "", err
	}

	claims, err := jwt.ParseToken(token, jwtSecret)
	if err != nil || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

func requestToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if c.IsWebsocket() {
			if token := c.Query("token"); token != "" {
				return token, nil
			}
		}
		return "", ErrMissingToken
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", ErrMalformedToken
	}
	return token, nil
}

// Auth 强制认证，失败时按原因返回提示并中止
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := Authenticate(c, jwtSecret)
		if err != nil {
			response.AuthError(c, authMessages[err])
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// OptionalAuth 可选认证，token 无效时按匿名请求处理（限流按 IP 计数）
func OptionalAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID, err := Authenticate(c, jwtSecret); err == nil {
			c.Set(UserIDKey, userID)
		}
		c.Next()
	}
}

// GetUserID 从上下文获取用户 ID
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(UserIDKey)
	if !exists {
		return "", false
	}
	id, ok := userID.(string)
	return id, ok && id != ""
}
