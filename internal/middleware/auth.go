package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// 认证协作方（网关/登录服务）通过该请求头下发已认证用户身份。
const userIDHeader = "X-User-Id"

const userIDContextKey = "auth_user_id"

// Auth 要求请求携带已认证用户身份，仅对秒杀等入口生效。
// 身份只在一次请求内有效，后续流程一律显式传参，不做隐式环境态。
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(userIDHeader)
		userID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || userID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": 401,
				"msg":  "未登录或登录已过期",
			})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

// CurrentUserID 读取本次请求的已认证用户身份。
func CurrentUserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := v.(uint64)
	return userID, ok
}
