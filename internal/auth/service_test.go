package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TreasuryGuard/internal/errors"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	dir, err := NewMemoryDirectory(nil)
	require.NoError(t, err)
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "test-secret", Issuer: "treasury", Audience: []string{"operators"}},
		Users: []ConfiguredUser{
			{Username: "alice", Password: "s3cret", Roles: []string{RoleApprover}},
			{Username: "ops", Password: "hunter2", Roles: []string{RoleOperator}},
			{Username: "mallory", Password: "x", Roles: []string{RoleViewer}, Disabled: true},
		},
	}, dir)
	require.NoError(t, err)
	return svc
}

func TestRolesExpandToPermissions(t *testing.T) {
	perms := ExpandRoles([]string{"Approver", "unknown"}, []string{"custom:perm"})
	assert.Contains(t, perms, PermApprovalsSign)
	assert.Contains(t, perms, PermAccountsRead)
	assert.Contains(t, perms, "custom:perm")
	assert.NotContains(t, perms, PermEmergencyManage)
}

func TestPasswordGrantAndVerify(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.EqualValues(t, 3600, pair.ExpiresIn)

	require.NotNil(t, pair.Operator)
	assert.Equal(t, "alice", pair.Operator.Username)

	op, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", op.Username)
	assert.True(t, op.Can(PermApprovalsSign))
	assert.True(t, xerrors.HasCode(op.Authorize(PermEmergencyManage), xerrors.CodeForbidden))

	_, err = svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	refreshed, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken})
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
}

func TestAuthenticateRejectsBadInput(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "wrong"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnauthorized))

	_, err = svc.Authenticate(ctx, TokenRequest{Username: "mallory", Password: "x"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeForbidden))

	_, err = svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = svc.AuthenticateRequest(ctx, "")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnauthorized))
	_, err = svc.AuthenticateRequest(ctx, "Bearer not.a.token")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnauthorized))

	other, err := NewService(ctx, Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "other"}}, &MemoryDirectory{byUsername: map[string]*directoryEntry{}, byID: map[int64]*directoryEntry{}})
	require.NoError(t, err)
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "ops", Password: "hunter2"})
	require.NoError(t, err)
	_, err = other.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOperatorPermissions(t *testing.T) {
	op := NewOperator(7, "ops", []string{" Operator ", "operator"}, []string{"Custom:Perm"}, false)
	assert.Equal(t, []string{RoleOperator}, op.Roles)
	assert.True(t, op.Can("custom:perm"))
	assert.True(t, op.Can(PermEmergencyManage))
	assert.False(t, op.Can(PermApprovalsSign))
	assert.Contains(t, op.Permissions(), PermAccountsManage)
	assert.NoError(t, op.Authorize(PermReconciliationsRun, ""))

	off := NewOperator(8, "gone", []string{RoleOperator}, nil, true)
	assert.ErrorIs(t, off.Authorize(), ErrOperatorDisabled)

	var none *Operator
	assert.False(t, none.Can(PermAccountsRead))
	assert.ErrorIs(t, none.Authorize(PermAccountsRead), ErrInvalidToken)
}

func TestDirectoryReenrollKeepsID(t *testing.T) {
	dir, err := NewMemoryDirectory([]ConfiguredUser{{Username: "bob", Password: "one", Roles: []string{RoleViewer}}})
	require.NoError(t, err)
	ctx := context.Background()
	first, err := dir.Credentials(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, dir.Enroll(ctx, ConfiguredUser{Username: "bob", Password: "two", Roles: []string{RoleApprover}}))
	second, err := dir.Credentials(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, verifyPassword(second.PasswordHash, "two"))

	op, err := dir.Operator(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, op.Can(PermApprovalsSign))

	assert.Error(t, dir.Enroll(ctx, ConfiguredUser{Username: " "}))
	assert.Error(t, dir.Enroll(ctx, ConfiguredUser{Username: "nopw"}))
	_, err = dir.Operator(ctx, 99)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestNewServiceValidatesConfig(t *testing.T) {
	_, err := NewService(context.Background(), Config{Mode: ModeJWT}, nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
	_, err = NewService(context.Background(), Config{Mode: "oauth"}, nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))

	svc, err := NewService(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.False(t, svc.Enabled())
}

func TestMiddlewareAndRequire(t *testing.T) {
	svc := newJWTService(t)
	var seen *Operator
	handler := svc.Middleware(MiddlewareConfig{Public: []string{"/healthz"}})(
		svc.Require(PermEmergencyManage)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = OperatorFrom(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})))

	do := func(path, token string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do("/api/v1/emergency/activate", ""))

	approver, err := svc.Authenticate(context.Background(), TokenRequest{Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do("/api/v1/emergency/activate", approver.AccessToken))

	operator, err := svc.Authenticate(context.Background(), TokenRequest{Username: "ops", Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, do("/api/v1/emergency/activate", operator.AccessToken))
	require.NotNil(t, seen)
	assert.Equal(t, "ops", seen.Username)

	disabled, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	require.NoError(t, err)
	open := disabled.Middleware(MiddlewareConfig{})(disabled.Require(PermEmergencyManage)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireWithoutPermissionsPassesPublicPaths(t *testing.T) {
	svc := newJWTService(t)
	handler := svc.Middleware(MiddlewareConfig{Public: []string{"/healthz"}})(
		svc.Require()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Nil(t, OperatorFrom(r.Context()))
			w.WriteHeader(http.StatusOK)
		})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
