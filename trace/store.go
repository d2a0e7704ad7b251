// Package trace 把调度历史存进 SQLite，方便跑完之后查询、对比不同的配置。
package trace

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cdfmlr/sham"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// schema 所有表的 DDL，都是 IF NOT EXISTS，可以重复执行
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		config      TEXT NOT NULL DEFAULT '',
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		clock       INTEGER NOT NULL DEFAULT 0,
		selections  INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS selections (
		run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		tick    INTEGER NOT NULL,
		pid     INTEGER NOT NULL,
		tid     INTEGER NOT NULL,
		process TEXT NOT NULL,
		PRIMARY KEY (run_id, tick)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_selections_thread ON selections(run_id, pid, tid)`,
}

// timeLayout 定长的时间格式，按文本排序就是按时间排序
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store 调度历史
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open 打开（或创建）path 处的数据库。测试里用 ":memory:"。
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// 内存数据库每个连接各有一份
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate 建表
func (s *Store) Migrate(ctx context.Context) error {
	log.Debug("[Trace] migrate")
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Run 一次模拟
type Run struct {
	ID         string
	Name       string
	Config     string
	StartedAt  time.Time
	FinishedAt time.Time
	Clock      uint64
	Selections uint64
}

// BeginRun 记录一次新的模拟，config 是它使用的配置（原样保存）
func (s *Store) BeginRun(ctx context.Context, name, config string) (*Run, error) {
	run := &Run{
		ID:        "run_" + uuid.New().String(),
		Name:      name,
		Config:    config,
		StartedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, config, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Name, run.Config, run.StartedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	log.WithFields(log.Fields{"run": run.ID, "name": name}).Info("[Trace] BeginRun")
	return run, nil
}

// FinishRun 记录模拟结束时的时钟和调度次数
func (s *Store) FinishRun(ctx context.Context, run *Run, clock, selections uint64) error {
	run.FinishedAt = s.now().UTC()
	run.Clock = clock
	run.Selections = selections
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, clock = ?, selections = ? WHERE id = ?`,
		run.FinishedAt.Format(timeLayout), int64(clock), int64(selections), run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun 按 id 取一次模拟，不存在时返回 nil, nil
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	var startedAt string
	var finishedAt sql.NullString
	var clock, selections int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, config, started_at, finished_at, clock, selections FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Name, &run.Config, &startedAt, &finishedAt, &clock, &selections)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		if run.FinishedAt, err = time.Parse(timeLayout, finishedAt.String); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	run.Clock, run.Selections = uint64(clock), uint64(selections)
	return &run, nil
}

// ListRuns 所有模拟，新的在前
func (s *Store) ListRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// 只有一个连接，先把 rows 关掉再逐个查
	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// RecordSelections 在一个事务里写入一批调度结果
func (s *Store) RecordSelections(ctx context.Context, runID string, selections []sham.Selection) error {
	if len(selections) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO selections (run_id, tick, pid, tid, process) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sel := range selections {
		if _, err := stmt.ExecContext(ctx, runID, int64(sel.Tick), sel.Pid, sel.Tid, sel.Process); err != nil {
			return fmt.Errorf("insert selection tick %d: %w", sel.Tick, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.WithFields(log.Fields{"run": runID, "n": len(selections)}).Debug("[Trace] RecordSelections")
	return nil
}

// Count 一个线程在一次模拟里被选中的次数
type Count struct {
	Pid     int
	Tid     int
	Process string
	Count   int
}

// Counts 按 pid、tid 排序的每线程调度次数
func (s *Store) Counts(ctx context.Context, runID string) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, tid, process, COUNT(*) FROM selections
		 WHERE run_id = ? GROUP BY pid, tid, process ORDER BY pid, tid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Pid, &c.Tid, &c.Process, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Recorder 收集一次模拟的调度结果，最后一起写进 Store。
// Record 在时钟中断里调用，只往内存里追加。
type Recorder struct {
	store   *Store
	run     *Run
	pending []sham.Selection
}

// NewRecorder 为 run 新建 Recorder
func (s *Store) NewRecorder(run *Run) *Recorder {
	return &Recorder{store: s, run: run}
}

// Record 可以直接作为 OS.OnSelect
func (r *Recorder) Record(sel sham.Selection) {
	r.pending = append(r.pending, sel)
}

// Pending 还没写进去的条数
func (r *Recorder) Pending() int { return len(r.pending) }

// Flush 把收集到的调度结果写进 Store
func (r *Recorder) Flush(ctx context.Context) error {
	if err := r.store.RecordSelections(ctx, r.run.ID, r.pending); err != nil {
		return err
	}
	r.pending = r.pending[:0]
	return nil
}
