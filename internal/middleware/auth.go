package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"tana_market/internal/model"
)

const actorKey = "tana.actor"

var ErrInvalidToken = errors.New("middleware: invalid token")

// Claims JWT 载荷，sub 为用户 id。
type Claims struct {
	Role model.Role `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken 签发 HS256 令牌，命令行工具和压测脚本使用。
func IssueToken(secret []byte, u model.User, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func ParseToken(secret []byte, raw string) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// UserLookup 认证时回查用户，停用账号直接拒绝。
type UserLookup interface {
	FindByID(ctx context.Context, id string) (model.User, error)
}

// Auth 解析 Bearer 令牌。角色以数据库为准，令牌里的 role 只作参考。
func Auth(secret []byte, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			unauthorized(c, "未登录")
			return
		}
		claims, err := ParseToken(secret, strings.TrimSpace(raw))
		if err != nil {
			unauthorized(c, "登录已失效")
			return
		}
		u, err := users.FindByID(c.Request.Context(), claims.Subject)
		if err != nil || !u.Active {
			unauthorized(c, "用户不存在或已停用")
			return
		}
		c.Set(actorKey, model.Actor{UserID: u.ID, Role: u.Role})
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": msg})
}

// CurrentActor 取出 Auth 写入的身份。
func CurrentActor(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return model.Actor{}, false
	}
	a, ok := v.(model.Actor)
	return a, ok
}

// RequireRoles 必须放在 Auth 之后。
func RequireRoles(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := CurrentActor(c)
		if !ok {
			unauthorized(c, "未登录")
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": 403, "msg": "权限不足"})
	}
}
