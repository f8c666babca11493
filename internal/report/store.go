package report

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a run id is not in the store.
var ErrNotFound = errors.New("run not found")

// Summary is one model row of a stored run.
type Summary struct {
	RunID     string
	CreatedAt time.Time
	Model     string
	Quantile  float64
	Cutoff    float64
	Accuracy  float64
	AUC       *float64
}

// Store keeps run reports in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates the database at path and applies migrations.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure results directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save records a report. Saving the same run id twice is an error.
func (s *Store) Save(ctx context.Context, r Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, train_rows, test_rows, report_json) VALUES (?, ?, ?, ?, ?)`,
		r.RunID,
		r.CreatedAt.UTC().Format(timeLayout),
		r.TrainRows,
		r.TestRows,
		string(body),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}

	for _, kind := range r.Kinds() {
		m := r.Models[kind]
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_models (run_id, model, quantile, cutoff, accuracy, auc) VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID,
			kind,
			m.Threshold.Quantile,
			m.Threshold.Value,
			m.Metrics.Accuracy,
			nullableFloat(m.Metrics.AUC),
		)
		if err != nil {
			return fmt.Errorf("insert model %s: %w", kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", r.RunID, err)
	}
	return nil
}

// List returns per-model summaries of the most recent runs, newest first.
// limit <= 0 returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	query := `SELECT r.id, r.created_at, m.model, m.quantile, m.cutoff, m.accuracy, m.auc
        FROM runs r JOIN run_models m ON m.run_id = r.id
        WHERE r.id IN (SELECT id FROM runs ORDER BY created_at DESC, id DESC LIMIT ?)
        ORDER BY r.created_at DESC, r.id DESC, m.model ASC`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			created string
			auc     sql.NullFloat64
		)
		if err := rows.Scan(&sum.RunID, &created, &sum.Model, &sum.Quantile, &sum.Cutoff, &sum.Accuracy, &auc); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at of %s: %w", sum.RunID, err)
		}
		if auc.Valid {
			v := auc.Float64
			sum.AUC = &v
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get returns the full report of a run. A unique id prefix is accepted.
func (s *Store) Get(ctx context.Context, id string) (Report, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Report{}, fmt.Errorf("%w: empty id", ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_json FROM runs WHERE id = ? OR id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`,
		id, escapeLike(id)+"%",
	)
	if err != nil {
		return Report{}, fmt.Errorf("get run %s: %w", id, err)
	}
	defer rows.Close()

	matches := make(map[string]string)
	for rows.Next() {
		var runID, body string
		if err := rows.Scan(&runID, &body); err != nil {
			return Report{}, fmt.Errorf("scan run: %w", err)
		}
		matches[runID] = body
	}
	if err := rows.Err(); err != nil {
		return Report{}, err
	}

	body, exact := matches[id]
	switch {
	case exact:
	case len(matches) == 0:
		return Report{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case len(matches) > 1:
		ids := make([]string, 0, len(matches))
		for k := range matches {
			ids = append(ids, k)
		}
		sort.Strings(ids)
		return Report{}, fmt.Errorf("run id prefix %q is ambiguous: %s", id, strings.Join(ids, ", "))
	default:
		for _, b := range matches {
			body = b
		}
	}

	var r Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Report{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return r, nil
}

type migration struct {
	version string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, migration{version: strings.TrimSuffix(name, ".sql"), sql: string(data)})
	}
	return migrations, nil
}

func (s *Store) applyMigrations(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
