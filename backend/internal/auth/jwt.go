package auth

import (
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// 协作服务只做校验：令牌由外部的认证服务签发（HS256 共享密钥）。
type Claims struct {
	UserID    uint64 `json:"sub"`
	Username  string `json:"username"`
	AvatarRef string `json:"avatar,omitempty"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

var configuredSecret string

// SetSecret 注入配置文件中的密钥（环境变量 JWT_SECRET 优先）
func SetSecret(secret string) {
	configuredSecret = secret
}

func getSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = configuredSecret
	}
	if secret == "" {
		secret = "dev-secret"
	}
	return []byte(secret)
}

// ParseToken 解析并校验访问令牌，返回 Claims
func ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return getSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
