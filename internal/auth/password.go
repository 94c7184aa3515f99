package auth

import (
	"golang.org/x/crypto/bcrypt"

	xerrors "TreasuryGuard/internal/errors"
)

// HashPassword 使用 bcrypt 生成密码哈希。
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "密码不能为空")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "生成密码哈希失败")
	}
	return string(hashed), nil
}

func verifyPassword(hashed, password string) bool {
	if hashed == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
