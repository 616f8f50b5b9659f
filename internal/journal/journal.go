package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/betbot/copyflow/internal/services"
)

// SQLite 跟单流水（复盘/审计用）
// 写入失败只影响流水本身，复制链路不依赖它。
type SQLite struct {
	db *sql.DB
}

var _ services.CopyJournal = (*SQLite)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS copy_journal (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source_tx_id TEXT NOT NULL,
	follower_id  TEXT NOT NULL,
	leader       TEXT NOT NULL,
	market_id    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	side         TEXT NOT NULL,
	notional_usd TEXT NOT NULL,
	order_tx_id  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_copy_journal_source ON copy_journal(source_tx_id);
CREATE INDEX IF NOT EXISTS idx_copy_journal_follower ON copy_journal(follower_id, at);
`

// Open 打开（必要时创建）流水数据库
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "打开流水数据库失败: %s", path)
	}
	// sqlite 单写者：限制连接数避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "初始化流水表失败")
	}
	return &SQLite{db: db}, nil
}

// Record 追加一条流水
func (j *SQLite) Record(ctx context.Context, entry services.CopyJournalEntry) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO copy_journal (source_tx_id, follower_id, leader, market_id, outcome, side, notional_usd, order_tx_id, status, detail, at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`,
		entry.SourceTxID, entry.FollowerID, entry.Leader, entry.MarketID,
		entry.Outcome, entry.Side, entry.NotionalUSD.String(), entry.OrderTxID,
		entry.Status, entry.Detail, entry.At.Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "写跟单流水失败")
	}
	return nil
}

// RecentForFollower 某跟单者最近的流水（ops 查询用）
func (j *SQLite) RecentForFollower(ctx context.Context, followerID string, limit int) ([]services.CopyJournalEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT source_tx_id, follower_id, leader, market_id, outcome, side, notional_usd, order_tx_id, status, detail, at
FROM copy_journal WHERE follower_id=? ORDER BY id DESC LIMIT ?
`, followerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "查询跟单流水失败")
	}
	defer rows.Close()

	out := make([]services.CopyJournalEntry, 0, limit)
	for rows.Next() {
		var entry services.CopyJournalEntry
		var notional, at string
		if err := rows.Scan(
			&entry.SourceTxID, &entry.FollowerID, &entry.Leader, &entry.MarketID,
			&entry.Outcome, &entry.Side, &notional, &entry.OrderTxID,
			&entry.Status, &entry.Detail, &at,
		); err != nil {
			return nil, errors.Wrap(err, "扫描跟单流水失败")
		}
		entry.NotionalUSD, _ = decimal.NewFromString(notional)
		entry.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Close 关闭数据库
func (j *SQLite) Close() error {
	return j.db.Close()
}
