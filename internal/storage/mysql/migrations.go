package mysql

import (
	"context"
	"database/sql"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"ContractRelay/deploy/migrations"
	xerrors "ContractRelay/internal/errors"
)

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

type migration struct {
	version    string
	name       string
	statements []string
}

// migrator 按版本顺序执行尚未记录在 schema_migrations 中的迁移文件。
type migrator struct {
	db    *sql.DB
	files fs.FS
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{db: db, files: migrations.Files}
}

func (m *migrator) run(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}
	pending, err := m.load()
	if err != nil {
		return err
	}
	for _, mig := range pending {
		if _, ok := applied[mig.version]; ok {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
	}
	return nil
}

func (m *migrator) appliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (m *migrator) apply(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range mig.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移 "+mig.name+" 失败")
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mig.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func (m *migrator) load() ([]migration, error) {
	names, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}

	var result []migration
	for _, name := range names {
		content, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件 "+name+" 失败")
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		result = append(result, migration{version: migrationVersion(name), name: name, statements: statements})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].version == result[j].version {
			return result[i].name < result[j].name
		}
		return result[i].version < result[j].version
	})
	return result, nil
}

func splitStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// migrationVersion 取文件名中第一个下划线之前的部分，例如 0001_create.sql 得到 0001。
func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if idx := strings.IndexRune(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
