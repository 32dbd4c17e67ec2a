package utils

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID string
	Role   string
}

// IsAdmin 是否管理员
func (c Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// ParseToken 校验 HS256 签名并取出 user_id（兼容数字或字符串，缺省时回退到 sub）与 role
func ParseToken(secret, tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	switch v := mapClaims["user_id"].(type) {
	case string:
		claims.UserID = v
	case float64:
		claims.UserID = strconv.FormatInt(int64(v), 10)
	}
	if claims.UserID == "" {
		if sub, err := mapClaims.GetSubject(); err == nil {
			claims.UserID = sub
		}
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	claims.Role, _ = mapClaims["role"].(string)
	return claims, nil
}

// SignToken 签发令牌，供测试与运维脚本使用
func SignToken(secret string, claims Claims, extra jwt.MapClaims) (string, error) {
	mc := jwt.MapClaims{"user_id": claims.UserID}
	if claims.Role != "" {
		mc["role"] = claims.Role
	}
	for k, v := range extra {
		mc[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString([]byte(secret))
}
