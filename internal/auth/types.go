package auth

import (
	"context"
	"slices"
	"strings"

	xerrors "TreasuryGuard/internal/errors"
)

var (
	ErrDisabled           = xerrors.New(xerrors.CodeInvalidArgument, "认证未启用")
	ErrInvalidCredentials = xerrors.New(xerrors.CodeUnauthorized, "用户名或密码错误")
	ErrUnsupportedGrant   = xerrors.New(xerrors.CodeInvalidArgument, "不支持的授权类型")
	ErrInvalidToken       = xerrors.New(xerrors.CodeUnauthorized, "令牌无效")
	ErrMissingToken       = xerrors.New(xerrors.CodeUnauthorized, "缺少 Bearer 令牌")
	ErrOperatorDisabled   = xerrors.New(xerrors.CodeForbidden, "操作员已停用")
)

// Directory 是操作员目录，实现必须并发安全。
type Directory interface {
	Credentials(ctx context.Context, username string) (*Credentials, error)
	Operator(ctx context.Context, id int64) (*Operator, error)
}

// Enroller 由可以写入配置用户的目录实现。
type Enroller interface {
	Enroll(ctx context.Context, user ConfiguredUser) error
}

// Credentials 是登录校验所需的字段。
type Credentials struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// TokenRequest 是 /auth/token 的请求体。
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenPair 是签发结果。
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64     `json:"refresh_expires_in,omitempty"`
	TokenType        string    `json:"token_type"`
	Operator         *Operator `json:"-"`
}

// Mode 是认证模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config 配置认证服务。
type Config struct {
	Mode  Mode
	JWT   JWTOptions
	Users []ConfiguredUser
}

// JWTOptions 是 HS256 令牌参数，TTL 以秒计。
type JWTOptions struct {
	Secret     string
	Issuer     string
	Audience   []string
	AccessTTL  int64
	RefreshTTL int64
}

// ConfiguredUser 是配置文件里声明的操作员。PasswordHash 优先于 Password。
type ConfiguredUser struct {
	Username     string
	Password     string
	PasswordHash string
	Roles        []string
	Permissions  []string
	Disabled     bool
}

// dedupeStrings 小写去重并排序，丢弃空值。
func dedupeStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
