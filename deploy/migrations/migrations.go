package migrations

import "embed"

// Files 暴露各方言的 SQL 迁移文件，按 mysql/、sqlite/ 子目录区分。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS
