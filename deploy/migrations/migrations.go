package migrations

import (
	"embed"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// Dialect 返回指定方言的迁移文件，支持 mysql 与 sqlite。
func Dialect(name string) (fs.FS, error) {
	return fs.Sub(files, name)
}
