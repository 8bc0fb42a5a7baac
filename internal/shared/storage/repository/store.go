// Package repository 数据库无关的业务逻辑存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nodefleet/internal/shared/storage"
	"nodefleet/internal/shared/storage/dbutil"
)

// querier *sql.DB 与 *sql.Tx 的公共方法
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store 通用存储实现
// 实现了 storage.NodeRepository 接口
type Store struct {
	db      *sql.DB
	q       querier
	inTx    bool
	dialect dbutil.Dialect
}

var _ storage.NodeRepository = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, q: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// WithinTx 在事务中执行 fn
//
// fn 返回 nil 或 storage.NoRollback 包装的错误时提交；其余错误回滚。
// 已在事务中时直接复用当前事务。
func (s *Store) WithinTx(ctx context.Context, fn func(repo storage.NodeRepository) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &Store{db: s.db, q: tx, inTx: true, dialect: s.dialect}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	fnErr := fn(txStore)
	if fnErr != nil && !storage.IsNoRollback(fnErr) {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", fnErr, rbErr)
		}
		return fnErr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return storage.Cause(fnErr)
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// ts 统一时间精度与时区，保证 SQLite 文本比较与 PostgreSQL 一致
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}
