package journal

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresSink stores entries in PostgreSQL.
type PostgresSink struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSink connects to dsn.
func NewPostgresSink(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PostgresSink{db: pool, logger: logger}, nil
}

// Migrate applies the embedded .up.sql files in name order. Every
// statement is idempotent, so running it on each start is safe.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := fs.ReadFile(migrations, "migrations/"+f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

// Write inserts the cycle and its unit links in one transaction. Writing
// the same cycle twice is a no-op.
func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	record, err := json.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	actions := e.Actions
	if actions == nil {
		actions = []string{}
	}

	cycleSQL, cycleArgs, err := psql.Insert("think_cycles").
		Columns("id", "collection_id", "input", "next_thought", "log", "record", "actions", "started_at", "duration_ms").
		Values(e.CycleID, e.CollectionID, e.Input, e.Record.NextThought, e.Record.Log,
			string(record), actions, e.StartedAt, e.Duration.Milliseconds()).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build cycle insert: %w", err)
	}

	units := psql.Insert("cycle_units").Columns("cycle_id", "unit_id", "role", "position")
	n := 0
	for role, ids := range map[string][]string{
		"activated":  e.Activated,
		"reinforced": e.Reinforced,
		"generated":  e.Generated,
	} {
		for i, id := range ids {
			units = units.Values(e.CycleID, id, role, i)
			n++
		}
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, cycleSQL, cycleArgs...)
		if err != nil {
			return fmt.Errorf("insert cycle %s: %w", e.CycleID, err)
		}
		if tag.RowsAffected() == 0 || n == 0 {
			return nil
		}
		unitSQL, unitArgs, err := units.Suffix("ON CONFLICT DO NOTHING").ToSql()
		if err != nil {
			return fmt.Errorf("build unit insert: %w", err)
		}
		if _, err := tx.Exec(ctx, unitSQL, unitArgs...); err != nil {
			return fmt.Errorf("insert cycle units %s: %w", e.CycleID, err)
		}
		return nil
	})
}

// Recent returns up to n newest entries of a collection, newest first.
func (s *PostgresSink) Recent(ctx context.Context, collectionID string, n int64) ([]Entry, error) {
	limit := uint64(50)
	if n > 0 {
		limit = uint64(n)
	}
	query, args, err := psql.Select("id", "collection_id", "input", "record", "actions", "started_at", "duration_ms").
		From("think_cycles").
		Where(sq.Eq{"collection_id": collectionID}).
		OrderBy("started_at DESC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	index := make(map[string]int)
	for rows.Next() {
		var e Entry
		var record []byte
		var ms int64
		if err := rows.Scan(&e.CycleID, &e.CollectionID, &e.Input, &record, &e.Actions, &e.StartedAt, &ms); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		if err := json.Unmarshal(record, &e.Record); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", e.CycleID, err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		index[e.CycleID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	query, args, err = psql.Select("cycle_id", "unit_id", "role").
		From("cycle_units").
		Where(sq.Eq{"cycle_id": ids}).
		OrderBy("cycle_id", "role", "position").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unit query: %w", err)
	}
	unitRows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycle units: %w", err)
	}
	defer unitRows.Close()
	for unitRows.Next() {
		var cycleID, unitID, role string
		if err := unitRows.Scan(&cycleID, &unitID, &role); err != nil {
			return nil, fmt.Errorf("scan cycle unit: %w", err)
		}
		e := &entries[index[cycleID]]
		switch role {
		case "activated":
			e.Activated = append(e.Activated, unitID)
		case "reinforced":
			e.Reinforced = append(e.Reinforced, unitID)
		case "generated":
			e.Generated = append(e.Generated, unitID)
		}
	}
	return entries, unitRows.Err()
}

// Close shuts down the connection pool.
func (s *PostgresSink) Close() error {
	s.db.Close()
	return nil
}
