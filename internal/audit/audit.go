package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var auditLog = logrus.WithField("component", "audit")

// Entry 一条客户端可见事件
type Entry struct {
	ID            int64
	ClientID      string
	TransactionID string
	Kind          string
	Message       string
	CreatedAt     time.Time
}

// Log 客户端可见事件日志（sqlite 落盘）。
//
// 每个终态失败、每次补偿、每次人工修正都要在这里留痕：
// 流水记录面向审计，这张表面向客服与运营排查。
type Log struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id      TEXT NOT NULL DEFAULT '',
	transaction_id TEXT NOT NULL,
	kind           TEXT NOT NULL,
	message        TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_client ON audit_events(client_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_tx ON audit_events(transaction_id);
`

// Open 打开（或创建）事件日志。path 为 ":memory:" 时全内存运行。
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open audit db")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create audit schema")
	}
	auditLog.Infof("📝 审计日志已打开: %s", path)
	return &Log{db: db, now: time.Now}, nil
}

// SetClock 注入时钟（测试用）
func (l *Log) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Record 落一条事件
func (l *Log) Record(ctx context.Context, clientID, transactionID, kind, message string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (client_id, transaction_id, kind, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		clientID, transactionID, kind, message, l.now().UTC())
	if err != nil {
		return errors.Wrap(err, "insert audit event")
	}
	return nil
}

// ByClient 按客户端查询，时间倒序
func (l *Log) ByClient(ctx context.Context, clientID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, client_id, transaction_id, kind, message, created_at
		 FROM audit_events WHERE client_id = ? ORDER BY id DESC LIMIT ?`,
		clientID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query audit events")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByTransaction 按事务查询，时间正序（排查单条工作流的完整轨迹）
func (l *Log) ByTransaction(ctx context.Context, transactionID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, client_id, transaction_id, kind, message, created_at
		 FROM audit_events WHERE transaction_id = ? ORDER BY id ASC`,
		transactionID)
	if err != nil {
		return nil, errors.Wrap(err, "query audit events")
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ClientID, &e.TransactionID, &e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit event")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close 关闭底层数据库
func (l *Log) Close() error {
	return l.db.Close()
}
