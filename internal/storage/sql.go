package storage

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
	"postpipe/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store on database/sql for both SQLite and PostgreSQL.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	loc     *time.Location
	log     logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, loc *time.Location, log logx.Logger) *sqlStore {
	if loc == nil {
		loc = time.Local
	}
	return &sqlStore{db: db, dialect: d, loc: loc, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "storage: migrate")
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) exec(ctx context.Context, db execer, q string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "storage: commit")
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func (s *sqlStore) fromMillis(ms int64) time.Time { return time.UnixMilli(ms).In(s.loc) }

const scheduleCols = `id, account_id, service, ref, schedule_date, status, generate_images, image_count,
 delay_between_posts_seconds, total_jobs, completed_jobs, failed_jobs, created_at, updated_at`

const jobCols = `id, schedule_id, keyword, category, scheduled_at, day, slot, generate_job_id, publish_job_id,
 manuscript_id, post_url, status, error, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) scanSchedule(r rowScanner) (*domain.Schedule, error) {
	var (
		sc               domain.Schedule
		status           string
		created, updated int64
	)
	err := r.Scan(&sc.ID, &sc.AccountID, &sc.Service, &sc.Ref, &sc.ScheduleDate, &status, &sc.GenerateImages,
		&sc.ImageCount, &sc.DelayBetweenPostsSeconds, &sc.TotalJobs, &sc.CompletedJobs, &sc.FailedJobs,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	sc.Status = domain.ScheduleStatus(status)
	sc.CreatedAt = s.fromMillis(created)
	sc.UpdatedAt = s.fromMillis(updated)
	return &sc, nil
}

func (s *sqlStore) scanJob(r rowScanner) (*domain.ScheduleJob, error) {
	var (
		j                       domain.ScheduleJob
		status                  string
		scheduled, created, upd int64
		completed               sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.ScheduleID, &j.Keyword, &j.Category, &scheduled, &j.Day, &j.Slot, &j.GenerateJobID,
		&j.PublishJobID, &j.ManuscriptID, &j.PostURL, &status, &j.Error, &completed, &created, &upd)
	if err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	j.ScheduledAt = s.fromMillis(scheduled)
	j.CreatedAt = s.fromMillis(created)
	j.UpdatedAt = s.fromMillis(upd)
	if completed.Valid {
		t := s.fromMillis(completed.Int64)
		j.CompletedAt = &t
	}
	return &j, nil
}

func (s *sqlStore) CreateSchedule(ctx context.Context, sc *domain.Schedule, jobs []*domain.ScheduleJob) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `INSERT INTO schedules(`+scheduleCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			sc.ID, sc.AccountID, sc.Service, sc.Ref, sc.ScheduleDate, string(sc.Status), sc.GenerateImages,
			sc.ImageCount, sc.DelayBetweenPostsSeconds, sc.TotalJobs, sc.CompletedJobs, sc.FailedJobs,
			millis(sc.CreatedAt), millis(sc.UpdatedAt))
		if err != nil {
			return errors.Wrap(err, "storage: insert schedule")
		}
		for _, j := range jobs {
			var completed any
			if j.CompletedAt != nil {
				completed = millis(*j.CompletedAt)
			}
			_, err := s.exec(ctx, tx, `INSERT INTO schedule_jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				j.ID, j.ScheduleID, j.Keyword, j.Category, millis(j.ScheduledAt), j.Day, j.Slot, j.GenerateJobID,
				j.PublishJobID, j.ManuscriptID, j.PostURL, string(j.Status), j.Error, completed,
				millis(j.CreatedAt), millis(j.UpdatedAt))
			if err != nil {
				return errors.Wrap(err, "storage: insert job")
			}
		}
		return nil
	})
}

func (s *sqlStore) getSchedule(ctx context.Context, db execer, id string) (*domain.Schedule, error) {
	sc, err := s.scanSchedule(db.QueryRowContext(ctx, s.rebind(`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("schedule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get schedule")
	}
	return sc, nil
}

func (s *sqlStore) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	return s.getSchedule(ctx, s.db, id)
}

func (s *sqlStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]*domain.Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM schedules WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		q += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` ORDER BY created_at DESC, id ASC LIMIT ` + strconv.Itoa(limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list schedules")
	}
	defer rows.Close()
	var out []*domain.Schedule
	for rows.Next() {
		sc, err := s.scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan schedule")
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) listJobs(ctx context.Context, db execer, scheduleID string) ([]*domain.ScheduleJob, error) {
	rows, err := db.QueryContext(ctx, s.rebind(`SELECT `+jobCols+` FROM schedule_jobs WHERE schedule_id = ? ORDER BY slot`), scheduleID)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list jobs")
	}
	defer rows.Close()
	var out []*domain.ScheduleJob
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListJobs(ctx context.Context, scheduleID string) ([]*domain.ScheduleJob, error) {
	return s.listJobs(ctx, s.db, scheduleID)
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*domain.ScheduleJob, error) {
	j, err := s.scanJob(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobCols+` FROM schedule_jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("schedule job", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get job")
	}
	return j, nil
}

func (s *sqlStore) MarkScheduleProcessing(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, s.db, `UPDATE schedules SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.ScheduleProcessing), millis(time.Now()), id, string(domain.SchedulePending))
	if err != nil {
		return false, errors.Wrap(err, "storage: mark processing")
	}
	return n == 1, nil
}

func (s *sqlStore) TransitionJob(ctx context.Context, id string, to domain.JobStatus, p JobPatch) (bool, error) {
	from := domain.SourcesFor(to)
	if len(from) == 0 {
		return false, nil
	}
	q := `UPDATE schedule_jobs SET status = ?, updated_at = ?`
	args := []any{string(to), millis(time.Now())}
	if p.ManuscriptID != "" {
		q += `, manuscript_id = ?`
		args = append(args, p.ManuscriptID)
	}
	if p.PostURL != "" {
		q += `, post_url = ?`
		args = append(args, p.PostURL)
	}
	if p.Error != "" {
		q += `, error = ?`
		args = append(args, p.Error)
	}
	if !p.CompletedAt.IsZero() {
		q += `, completed_at = ?`
		args = append(args, millis(p.CompletedAt))
	}
	q += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	n, err := s.exec(ctx, s.db, q, args...)
	if err != nil {
		return false, errors.Wrap(err, "storage: transition job")
	}
	if n == 0 {
		// Distinguish a refused transition from a missing row.
		if _, err := s.GetJob(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *sqlStore) SetJobRefs(ctx context.Context, id string, refs JobRefs) error {
	q := `UPDATE schedule_jobs SET updated_at = ?`
	args := []any{millis(time.Now())}
	if refs.GenerateJobID != "" {
		q += `, generate_job_id = ?`
		args = append(args, refs.GenerateJobID)
	}
	if refs.PublishJobID != "" {
		q += `, publish_job_id = ?`
		args = append(args, refs.PublishJobID)
	}
	if refs.ManuscriptID != "" {
		q += `, manuscript_id = ?`
		args = append(args, refs.ManuscriptID)
	}
	q += ` WHERE id = ?`
	args = append(args, id)
	n, err := s.exec(ctx, s.db, q, args...)
	if err != nil {
		return errors.Wrap(err, "storage: set job refs")
	}
	if n == 0 {
		return domain.NotFound("schedule job", id)
	}
	return nil
}

var terminalSchedule = []any{
	string(domain.ScheduleCompleted), string(domain.ScheduleFailed), string(domain.ScheduleCancelled),
}

func (s *sqlStore) RecordOutcome(ctx context.Context, scheduleID string, failed bool) (Outcome, error) {
	var out Outcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		col := "completed_jobs"
		if failed {
			col = "failed_jobs"
		}
		args := []any{millis(time.Now()), scheduleID}
		args = append(args, terminalSchedule...)
		n, err := s.exec(ctx, tx, `UPDATE schedules SET `+col+` = `+col+` + 1, updated_at = ?
			WHERE id = ? AND status NOT IN (?,?,?) AND completed_jobs + failed_jobs < total_jobs`, args...)
		if err != nil {
			return errors.Wrap(err, "storage: record outcome")
		}
		sc, err := s.getSchedule(ctx, tx, scheduleID)
		if err != nil {
			return err
		}
		out.Schedule = sc
		if n == 0 {
			return nil
		}
		out.Applied = true

		next := domain.Aggregate(*sc)
		if next == sc.Status {
			return nil
		}
		n, err = s.exec(ctx, tx, `UPDATE schedules SET status = ?, updated_at = ? WHERE id = ? AND status <> ?`,
			string(next), millis(time.Now()), scheduleID, string(domain.ScheduleCancelled))
		if err != nil {
			return errors.Wrap(err, "storage: aggregate status")
		}
		if n == 1 {
			out.Finished = next.Terminal()
			sc.Status = next
		}
		return nil
	})
	return out, err
}

func (s *sqlStore) CancelSchedule(ctx context.Context, id string, at time.Time) ([]*domain.ScheduleJob, error) {
	var cancelled []*domain.ScheduleJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getSchedule(ctx, tx, id); err != nil {
			return err
		}
		jobs, err := s.listJobs(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if !j.Status.Terminal() {
				j.Status = domain.JobCancelled
				j.Error = "cancelled"
				t := at
				j.CompletedAt = &t
				cancelled = append(cancelled, j)
			}
		}
		_, err = s.exec(ctx, tx, `UPDATE schedule_jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
			WHERE schedule_id = ? AND status NOT IN (?,?,?)`,
			string(domain.JobCancelled), "cancelled", millis(at), millis(at), id,
			string(domain.JobPublished), string(domain.JobFailed), string(domain.JobCancelled))
		if err != nil {
			return errors.Wrap(err, "storage: cancel jobs")
		}
		_, err = s.exec(ctx, tx, `UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`,
			string(domain.ScheduleCancelled), millis(at), id)
		return errors.Wrap(err, "storage: cancel schedule")
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *sqlStore) FailAccount(ctx context.Context, accountID, reason string, at time.Time) (CascadeResult, error) {
	var res CascadeResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id FROM schedules WHERE account_id = ? AND status IN (?,?) ORDER BY id`),
			accountID, string(domain.SchedulePending), string(domain.ScheduleProcessing))
		if err != nil {
			return errors.Wrap(err, "storage: cascade select")
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			n, err := s.exec(ctx, tx, `UPDATE schedule_jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
				WHERE schedule_id = ? AND status NOT IN (?,?,?)`,
				string(domain.JobFailed), reason, millis(at), millis(at), id,
				string(domain.JobPublished), string(domain.JobFailed), string(domain.JobCancelled))
			if err != nil {
				return errors.Wrap(err, "storage: cascade jobs")
			}
			res.Jobs += int(n)

			var completed, failedN int
			err = tx.QueryRowContext(ctx, s.rebind(`SELECT
				COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
				FROM schedule_jobs WHERE schedule_id = ?`),
				string(domain.JobPublished), string(domain.JobFailed), id).Scan(&completed, &failedN)
			if err != nil {
				return errors.Wrap(err, "storage: cascade counts")
			}
			_, err = s.exec(ctx, tx, `UPDATE schedules SET completed_jobs = ?, failed_jobs = ?, status = ?, updated_at = ?
				WHERE id = ? AND status <> ?`,
				completed, failedN, string(domain.ScheduleFailed), millis(at), id, string(domain.ScheduleCancelled))
			if err != nil {
				return errors.Wrap(err, "storage: cascade schedule")
			}
			res.Schedules = append(res.Schedules, id)
		}
		return nil
	})
	return res, err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
