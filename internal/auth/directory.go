package auth

import (
	"context"
	"strings"
	"sync"

	xerrors "TreasuryGuard/internal/errors"
)

type directoryEntry struct {
	creds    Credentials
	operator *Operator
}

// MemoryDirectory 把配置中的操作员保存在内存里。
type MemoryDirectory struct {
	mu         sync.RWMutex
	byUsername map[string]*directoryEntry
	byID       map[int64]*directoryEntry
	lastID     int64
}

// NewMemoryDirectory 创建目录并登记给定用户。
func NewMemoryDirectory(users []ConfiguredUser) (*MemoryDirectory, error) {
	d := &MemoryDirectory{
		byUsername: make(map[string]*directoryEntry),
		byID:       make(map[int64]*directoryEntry),
	}
	for _, u := range users {
		if err := d.Enroll(context.Background(), u); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Enroll 登记或覆盖一个操作员。重复登记保留原 ID，已签发的令牌继续有效。
func (d *MemoryDirectory) Enroll(_ context.Context, u ConfiguredUser) error {
	username := strings.TrimSpace(u.Username)
	if username == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户名不能为空")
	}
	hash := strings.TrimSpace(u.PasswordHash)
	if hash == "" {
		var err error
		if hash, err = HashPassword(u.Password); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "用户密码无效",
				xerrors.WithDetail("username", username))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var userID int64
	if existing, ok := d.byUsername[username]; ok {
		userID = existing.creds.ID
	} else {
		d.lastID++
		userID = d.lastID
	}
	entry := &directoryEntry{
		creds: Credentials{
			ID:           userID,
			Username:     username,
			PasswordHash: hash,
			Disabled:     u.Disabled,
		},
		operator: NewOperator(userID, username, u.Roles, u.Permissions, u.Disabled),
	}
	d.byUsername[username] = entry
	d.byID[userID] = entry
	return nil
}

// Credentials 按用户名返回登录凭据。
func (d *MemoryDirectory) Credentials(_ context.Context, username string) (*Credentials, error) {
	d.mu.RLock()
	entry, ok := d.byUsername[strings.TrimSpace(username)]
	d.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "用户不存在", xerrors.WithDetail("username", username))
	}
	creds := entry.creds
	return &creds, nil
}

// Operator 按 ID 返回操作员。
func (d *MemoryDirectory) Operator(_ context.Context, id int64) (*Operator, error) {
	d.mu.RLock()
	entry, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "用户不存在")
	}
	return entry.operator, nil
}
