// Package mysql 负责建立 MySQL 连接池并返回基于 sqlstore 的账本仓库。
package mysql
