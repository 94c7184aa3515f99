package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	xerrors "TreasuryGuard/internal/errors"
)

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"

	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 24 * time.Hour
)

// tokenIssuer 签发并校验 HS256 令牌。
type tokenIssuer struct {
	secret     []byte
	issuer     string
	audience   jwt.ClaimStrings
	accessTTL  time.Duration
	refreshTTL time.Duration
}

type operatorClaims struct {
	Username  string   `json:"username,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"token_type"`
	jwt.RegisteredClaims
}

func (c *operatorClaims) userID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

func newTokenIssuer(opts JWTOptions) (*tokenIssuer, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 JWT 密钥")
	}
	t := &tokenIssuer{
		secret:     []byte(opts.Secret),
		issuer:     opts.Issuer,
		audience:   append(jwt.ClaimStrings(nil), opts.Audience...),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	if opts.AccessTTL > 0 {
		t.accessTTL = time.Duration(opts.AccessTTL) * time.Second
	}
	if opts.RefreshTTL > 0 {
		t.refreshTTL = time.Duration(opts.RefreshTTL) * time.Second
	}
	return t, nil
}

func (t *tokenIssuer) issue(op *Operator, now time.Time) (*TokenPair, error) {
	if op == nil {
		return nil, ErrInvalidToken
	}
	access, err := t.sign(op, tokenAccess, now, t.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := t.sign(op, tokenRefresh, now, t.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		ExpiresIn:        int64(t.accessTTL / time.Second),
		RefreshToken:     refresh,
		RefreshExpiresIn: int64(t.refreshTTL / time.Second),
		TokenType:        "Bearer",
	}, nil
}

func (t *tokenIssuer) sign(op *Operator, kind string, now time.Time, ttl time.Duration) (string, error) {
	claims := operatorClaims{
		Username:  op.Username,
		Roles:     op.Roles,
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(op.ID, 10),
			Issuer:    t.issuer,
			Audience:  t.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "签名令牌失败")
	}
	return signed, nil
}

func (t *tokenIssuer) verify(raw string) (*operatorClaims, error) {
	claims := &operatorClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, xerrors.Wrap(xerrors.CodeUnauthorized, err, "令牌已过期")
		}
		return nil, ErrInvalidToken
	}
	if t.issuer != "" && claims.Issuer != t.issuer {
		return nil, ErrInvalidToken
	}
	for _, aud := range t.audience {
		if !claims.VerifyAudience(aud, true) {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}
