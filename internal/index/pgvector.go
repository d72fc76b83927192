package index

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/framesearch/internal/models"
)

// PostgresConfig holds connection details for PostgreSQL
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c PostgresConfig) connString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.DBName,
		sslMode,
	)
}

var collectionName = regexp.MustCompile(`^[A-Za-z0-9_]{1,40}$`)

// PGVector keeps each collection in its own table with a pgvector column.
// Collection schemas are recorded in frame_collections.
type PGVector struct {
	pool      *pgxpool.Pool
	batchSize int
}

// NewPGVector connects to PostgreSQL and creates the catalog table if needed.
func NewPGVector(ctx context.Context, config PostgresConfig, batchSize int) (*PGVector, error) {
	// Connect to PostgreSQL
	pool, err := pgxpool.New(ctx, config.connString())
	if err != nil {
		return nil, classifyPg("index.connect", fmt.Errorf("failed to connect to database: %w", err))
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, models.Wrap(models.KindIndexUnavailable, "index.connect", fmt.Errorf("failed to ping database: %w", err))
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	p := &PGVector{pool: pool, batchSize: batchSize}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// initSchema creates the vector extension and the collection catalog.
func (p *PGVector) initSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return classifyPg("index.init", fmt.Errorf("failed to create vector extension: %w", err))
	}

	_, err := p.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS frame_collections (
            name VARCHAR(64) PRIMARY KEY,
            dimensions INTEGER NOT NULL,
            metric VARCHAR(16) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        )
    `)
	if err != nil {
		return classifyPg("index.init", fmt.Errorf("failed to create collection catalog: %w", err))
	}
	return nil
}

// Close closes the database connection
func (p *PGVector) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func tableName(name string) (string, error) {
	if !collectionName.MatchString(name) {
		return "", models.Errorf(models.KindInternal, "index", "invalid collection name %q", name)
	}
	return pgx.Identifier{"frames_" + name}.Sanitize(), nil
}

// opsClass is the pgvector operator class for the HNSW index.
func opsClass(metric models.Metric) string {
	if metric == models.MetricDot {
		return "vector_ip_ops"
	}
	return "vector_cosine_ops"
}

// scoreSQL returns the similarity expression and the ordering expression for
// metric. pgvector's <#> is the negated inner product.
func scoreSQL(metric models.Metric) (score, order string) {
	if metric == models.MetricDot {
		return "(embedding <#> $1) * -1", "embedding <#> $1"
	}
	return "1 - (embedding <=> $1)", "embedding <=> $1"
}

func (p *PGVector) lookup(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, name string) (*models.Schema, error) {
	var s models.Schema
	var metric string
	err := q.QueryRow(ctx,
		"SELECT dimensions, metric FROM frame_collections WHERE name = $1",
		name).Scan(&s.Dimensions, &metric)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPg("index.lookup", fmt.Errorf("error checking for existing collection: %w", err))
	}
	s.Metric = models.Metric(metric)
	return &s, nil
}

func (p *PGVector) EnsureCollection(ctx context.Context, name string, schema models.Schema, opts EnsureOptions) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	table, err := tableName(name)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classifyPg("index.ensure", err)
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent EnsureCollection calls for the same name.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", name); err != nil {
		return classifyPg("index.ensure", err)
	}

	existing, err := p.lookup(ctx, tx, name)
	if err != nil {
		return err
	}
	act, err := decide(name, existing, schema, opts)
	if err != nil {
		return err
	}

	switch act {
	case actionKeep:
		return nil
	case actionRecreate:
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return classifyPg("index.ensure", fmt.Errorf("failed to drop collection: %w", err))
		}
		if _, err := tx.Exec(ctx, "DELETE FROM frame_collections WHERE name = $1", name); err != nil {
			return classifyPg("index.ensure", err)
		}
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE %s (
            id VARCHAR(64) PRIMARY KEY,
            asset_ref TEXT NOT NULL,
            video TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            timestamp_ms BIGINT NOT NULL,
            embedding vector(%d) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        )`, table, schema.Dimensions))
	if err != nil {
		return classifyPg("index.ensure", fmt.Errorf("failed to create collection table: %w", err))
	}

	indexName := pgx.Identifier{"frames_" + name + "_embedding_idx"}.Sanitize()
	_, err = tx.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX %s ON %s USING hnsw (embedding %s)",
		indexName, table, opsClass(schema.Metric)))
	if err != nil {
		return classifyPg("index.ensure", fmt.Errorf("failed to create vector index: %w", err))
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO frame_collections (name, dimensions, metric, created_at) VALUES ($1, $2, $3, $4)",
		name, schema.Dimensions, string(schema.Metric), time.Now())
	if err != nil {
		return classifyPg("index.ensure", err)
	}

	return classifyPg("index.ensure", tx.Commit(ctx))
}

func (p *PGVector) Schema(ctx context.Context, name string) (models.Schema, error) {
	s, err := p.lookup(ctx, p.pool, name)
	if err != nil {
		return models.Schema{}, err
	}
	if s == nil {
		return models.Schema{}, notFound("index.schema", name)
	}
	return *s, nil
}

// Insert upserts records in batches of batchSize inside one transaction.
func (p *PGVector) Insert(ctx context.Context, name string, records []models.FrameRecord) error {
	table, err := tableName(name)
	if err != nil {
		return err
	}
	schema, err := p.Schema(ctx, name)
	if err != nil {
		return err
	}
	if err := validateRecords("index.insert", schema, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classifyPg("index.insert", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
        INSERT INTO %s (id, asset_ref, video, frame_index, timestamp_ms, embedding, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            asset_ref = EXCLUDED.asset_ref,
            video = EXCLUDED.video,
            frame_index = EXCLUDED.frame_index,
            timestamp_ms = EXCLUDED.timestamp_ms,
            embedding = EXCLUDED.embedding`, table)

	now := time.Now()
	for _, span := range chunks(len(records), p.batchSize) {
		batch := &pgx.Batch{}
		for _, r := range records[span[0]:span[1]] {
			batch.Queue(query, r.ID, r.AssetRef, r.Video, r.FrameIndex, r.TimestampMS,
				pgvector.NewVector(r.Vector), now)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return classifyPg("index.insert", fmt.Errorf("failed to store frames: %w", err))
		}
	}

	return classifyPg("index.insert", tx.Commit(ctx))
}

// Search finds frames with similar colour content
func (p *PGVector) Search(ctx context.Context, name string, vector []float32, k int) ([]models.Match, error) {
	table, err := tableName(name)
	if err != nil {
		return nil, err
	}
	schema, err := p.Schema(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := schema.CheckDimensions("index.search", vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []models.Match{}, nil
	}

	score, order := scoreSQL(schema.Metric)
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
        SELECT id, asset_ref, video, frame_index, timestamp_ms, %s AS similarity
        FROM %s
        ORDER BY %s, created_at, id
        LIMIT $2`, score, table, order),
		pgvector.NewVector(vector), k)
	if err != nil {
		return nil, classifyPg("index.search", fmt.Errorf("failed to search similar frames: %w", err))
	}
	defer rows.Close()

	// Process results
	results := []models.Match{}
	for rows.Next() {
		var m models.Match
		var similarity float64
		if err := rows.Scan(&m.ID, &m.AssetRef, &m.Video, &m.FrameIndex, &m.TimestampMS, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		m.Score = float32(similarity)
		results = append(results, m)
	}

	return results, classifyPg("index.search", rows.Err())
}

func (p *PGVector) Count(ctx context.Context, name string) (int, error) {
	table, err := tableName(name)
	if err != nil {
		return 0, err
	}
	if _, err := p.Schema(ctx, name); err != nil {
		return 0, err
	}

	var n int
	if err := p.pool.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, classifyPg("index.count", err)
	}
	return n, nil
}

// classifyPg maps connectivity problems to KindIndexUnavailable and a
// missing collection table to KindNotFound. Other errors pass through.
func classifyPg(op string, err error) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return models.Wrap(models.KindIndexUnavailable, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01":
			return models.Wrap(models.KindNotFound, op, err)
		case "57P01", "57P03", "53300":
			return models.Wrap(models.KindIndexUnavailable, op, err)
		}
	}
	return err
}
