package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/pkg/logger"
)

const (
	grantPassword = "password"
	grantRefresh  = "refresh_token"
)

// Service 签发令牌并校验 API 请求。
type Service struct {
	mode   Mode
	dir    Directory
	tokens *tokenIssuer
	audit  *slog.Logger
}

// NewService 构造认证服务。JWT 模式下把配置用户登记到目录。
func NewService(ctx context.Context, cfg Config, dir Directory) (*Service, error) {
	svc := &Service{
		mode:  Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode)))),
		dir:   dir,
		audit: logger.Audit(),
	}
	switch svc.mode {
	case "", ModeDisabled:
		svc.mode = ModeDisabled
		return svc, nil
	case ModeJWT:
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "不支持的认证模式",
			xerrors.WithDetail("mode", string(cfg.Mode)))
	}

	if dir == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "JWT 模式需要操作员目录")
	}
	tokens, err := newTokenIssuer(cfg.JWT)
	if err != nil {
		return nil, err
	}
	svc.tokens = tokens

	if len(cfg.Users) == 0 {
		return svc, nil
	}
	enroller, ok := dir.(Enroller)
	if !ok {
		return svc, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, u := range cfg.Users {
		if err := enroller.Enroll(ctx, u); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "登记操作员失败",
				xerrors.WithDetail("username", u.Username))
		}
	}
	return svc, nil
}

// Mode 返回工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 报告是否需要认证。
func (s *Service) Enabled() bool {
	return s.Mode() == ModeJWT && s.tokens != nil
}

// Authenticate 处理 password 与 refresh_token 授权并签发新的令牌对。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	grant := strings.ToLower(strings.TrimSpace(req.GrantType))
	if grant == "" {
		grant = grantPassword
	}

	var (
		op  *Operator
		err error
	)
	switch grant {
	case grantPassword:
		op, err = s.login(ctx, req.Username, req.Password)
	case grantRefresh:
		op, err = s.operatorForToken(ctx, req.RefreshToken, tokenRefresh)
	default:
		err = ErrUnsupportedGrant
	}
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.issue(op, time.Now())
	if err != nil {
		return nil, err
	}
	pair.Operator = op
	s.audit.Info("签发访问令牌", slog.String("user", op.Username), slog.String("grant", grant))
	return pair, nil
}

// AuthenticateRequest 解析 Authorization 头中的访问令牌。
func (s *Service) AuthenticateRequest(ctx context.Context, header string) (*Operator, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return nil, ErrMissingToken
	}
	return s.operatorForToken(ctx, token, tokenAccess)
}

func (s *Service) login(ctx context.Context, username, password string) (*Operator, error) {
	creds, err := s.dir.Credentials(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if creds.Disabled {
		return nil, ErrOperatorDisabled
	}
	if !verifyPassword(creds.PasswordHash, password) {
		s.audit.Warn("登录失败", slog.String("user", username))
		return nil, ErrInvalidCredentials
	}
	return s.activeOperator(ctx, creds.ID)
}

func (s *Service) operatorForToken(ctx context.Context, token, want string) (*Operator, error) {
	claims, err := s.tokens.verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != want {
		return nil, ErrInvalidToken
	}
	userID, err := claims.userID()
	if err != nil {
		return nil, ErrInvalidToken
	}
	return s.activeOperator(ctx, userID)
}

func (s *Service) activeOperator(ctx context.Context, userID int64) (*Operator, error) {
	op, err := s.dir.Operator(ctx, userID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if op.Disabled() {
		return nil, ErrOperatorDisabled
	}
	return op, nil
}
