// Package storage 定义存储层领域错误与仓储接口
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（乐观锁失败）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)

// noRollbackError 标记"操作失败但事务仍需提交"的错误
type noRollbackError struct {
	err error
}

func (e *noRollbackError) Error() string { return e.err.Error() }

func (e *noRollbackError) Unwrap() error { return e.err }

// NoRollback 包装错误：WithinTx 遇到该错误时提交事务，并把原始错误返回给调用方
func NoRollback(err error) error {
	if err == nil {
		return nil
	}
	return &noRollbackError{err: err}
}

// IsNoRollback 判断错误链中是否带有 NoRollback 标记
func IsNoRollback(err error) bool {
	var nr *noRollbackError
	return errors.As(err, &nr)
}

// Cause 去掉 NoRollback 包装
func Cause(err error) error {
	var nr *noRollbackError
	if errors.As(err, &nr) {
		return nr.err
	}
	return err
}
