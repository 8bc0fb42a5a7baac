// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"nodefleet/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:test.db?cache=shared&mode=rwc" 或 ":memory:"
//
// SQLite 只允许单写者，连接池固定为 1：
// PRAGMA 只作用于执行它的连接，":memory:" 每个连接也是独立的库。
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 deployments/init-db.sql）
const schema = `
-- node
CREATE TABLE IF NOT EXISTS node (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id             TEXT NOT NULL,
    name                  TEXT NOT NULL DEFAULT '',
    ip                    TEXT NOT NULL DEFAULT '',
    public_ip             TEXT NOT NULL DEFAULT '',
    ssh_port              INTEGER NOT NULL DEFAULT 22,
    username              TEXT NOT NULL DEFAULT '',
    passd_encrypted       TEXT NOT NULL DEFAULT '',
    source                TEXT NOT NULL DEFAULT 'OWN_NODE',
    enabled               BOOLEAN NOT NULL DEFAULT 1,
    region_id             TEXT NOT NULL DEFAULT '',
    instance_id           TEXT NOT NULL DEFAULT '',
    instance_status       TEXT NOT NULL DEFAULT '',
    instance_synced       BOOLEAN NOT NULL DEFAULT 0,
    charge_type           TEXT NOT NULL DEFAULT '',
    spec                  TEXT NOT NULL DEFAULT '',
    cpu                   INTEGER NOT NULL DEFAULT 0,
    memory_mb             INTEGER NOT NULL DEFAULT 0,
    order_id              TEXT NOT NULL DEFAULT '',
    instance_expired_date TIMESTAMP,
    expired_flag          BOOLEAN NOT NULL DEFAULT 0,
    install_agent_flag    BOOLEAN,
    deleted_flag          BOOLEAN NOT NULL DEFAULT 0,
    created_at            TIMESTAMP NOT NULL,
    updated_at            TIMESTAMP NOT NULL,
    CHECK (source <> 'ONLINE_BUY' OR (region_id <> '' AND instance_id <> ''))
);
CREATE INDEX IF NOT EXISTS idx_node_tenant_ip ON node(tenant_id, ip);
CREATE INDEX IF NOT EXISTS idx_node_order ON node(tenant_id, order_id);
CREATE INDEX IF NOT EXISTS idx_node_source_synced ON node(source, instance_synced);

-- node_role
CREATE TABLE IF NOT EXISTS node_role (
    node_id INTEGER NOT NULL REFERENCES node(id) ON DELETE CASCADE,
    role    TEXT NOT NULL,
    PRIMARY KEY (node_id, role)
);
`
