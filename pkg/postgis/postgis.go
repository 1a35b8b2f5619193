package postgis

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

// Source reads records from, and loads records into, a PostGIS table. It is
// also used to cross-check filter results against the database's own GIST
// index.
type Source struct {
	db *sql.DB
}

// Open connects to PostGIS with a lib/pq connection string.
func Open(ctx context.Context, dsn string) (*Source, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Source{db: db}, nil
}

// InitSchema (re)creates table with an id, a geometry and an optional
// timestamp column.
func (s *Source) InitSchema(ctx context.Context, table string) error {
	t := pq.QuoteIdentifier(table)
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis;`,
		fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, t),
		fmt.Sprintf(`CREATE TABLE %s (
			id TEXT PRIMARY KEY,
			geom GEOMETRY,
			recorded_at TIMESTAMPTZ
		);`, t),
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

// CreateSpatialIndex creates a GIST index on the geometry column.
func (s *Source) CreateSpatialIndex(ctx context.Context, table, geomCol string) error {
	query := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIST(%s);`,
		pq.QuoteIdentifier("idx_"+table+"_"+geomCol), pq.QuoteIdentifier(table), pq.QuoteIdentifier(geomCol))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create spatial index: %w", err)
	}

	// Analyze table for better query planning
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ANALYZE %s;", pq.QuoteIdentifier(table))); err != nil {
		return fmt.Errorf("failed to analyze table: %w", err)
	}
	return nil
}

// BulkInsert loads records into a table created by InitSchema, committing
// every batchSize rows.
func (s *Source) BulkInsert(ctx context.Context, table string, records []models.Record[string]) error {
	const batchSize = 10000

	query := fmt.Sprintf(`INSERT INTO %s (id, geom, recorded_at) VALUES ($1, ST_GeomFromWKB($2), $3)`, pq.QuoteIdentifier(table))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}

	for i, r := range records {
		raw, err := wkb.Marshal(r.Geometry, wkb.NDR)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode geometry of %s: %w", r.Value, err)
		}
		var ts sql.NullTime
		if !r.Time.IsZero() {
			ts = sql.NullTime{Time: r.Time, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.Value, raw, ts); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert record %s: %w", r.Value, err)
		}

		// Commit batch
		if (i+1)%batchSize == 0 {
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit batch: %w", err)
			}
			if tx, err = s.db.BeginTx(ctx, nil); err != nil {
				return fmt.Errorf("failed to begin new transaction: %w", err)
			}
			if stmt, err = tx.PrepareContext(ctx, query); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to prepare statement: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit final batch: %w", err)
	}
	return nil
}

// Records reads every row of table as a record keyed by idCol. Rows whose
// geometry cannot be decoded fail the read.
func (s *Source) Records(ctx context.Context, table, idCol, geomCol string) ([]models.Record[string], error) {
	rows, err := s.db.QueryContext(ctx, recordsQuery(table, idCol, geomCol))
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var results []models.Record[string]
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r, err := decodeRow(id, raw)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return results, nil
}

// CountInExtent counts the rows whose geometry bounding box intersects e.
func (s *Source) CountInExtent(ctx context.Context, table, geomCol string, e geometry.Extent) (int64, error) {
	if e.Dims() < 2 {
		return 0, fmt.Errorf("failed to count rows: extent %v is not two-dimensional", e)
	}
	var count int64
	err := s.db.QueryRowContext(ctx, extentQuery(table, geomCol), e.Min[0], e.Min[1], e.Max[0], e.Max[1]).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

// Count returns the number of rows in table.
func (s *Source) Count(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", pq.QuoteIdentifier(table))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

// Close closes the database connection
func (s *Source) Close() error {
	return s.db.Close()
}

func recordsQuery(table, idCol, geomCol string) string {
	return fmt.Sprintf(`SELECT %s::text, ST_AsBinary(%s) FROM %s WHERE %s IS NOT NULL`,
		pq.QuoteIdentifier(idCol), pq.QuoteIdentifier(geomCol), pq.QuoteIdentifier(table), pq.QuoteIdentifier(geomCol))
}

func extentQuery(table, geomCol string) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s && ST_MakeEnvelope($1, $2, $3, $4)`,
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(geomCol))
}

func decodeRow(id string, raw []byte) (models.Record[string], error) {
	g, err := wkb.Unmarshal(raw)
	if err != nil {
		return models.Record[string]{}, fmt.Errorf("failed to decode geometry of %s: %w", id, err)
	}
	return models.NewRecord(g, id), nil
}
