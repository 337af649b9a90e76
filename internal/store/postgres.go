package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/origin-engine/internal/db"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const certificateColumns = `id, product_sku, hs6, agreement, status, result, created_at, updated_at`

const upsertCertificateSQL = `INSERT INTO origin_certificates (id, product_sku, hs6, agreement, status, result, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (product_sku, hs6, agreement) DO UPDATE
SET status = EXCLUDED.status, result = EXCLUDED.result, updated_at = EXCLUDED.updated_at
RETURNING ` + certificateColumns

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS origin_certificates (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	product_sku TEXT NOT NULL,
	hs6         TEXT NOT NULL,
	agreement   TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	result      JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_origin_certificates_identity UNIQUE (product_sku, hs6, agreement)
);

CREATE INDEX IF NOT EXISTS idx_origin_certificates_status ON origin_certificates(status);
CREATE INDEX IF NOT EXISTS idx_origin_certificates_created_at ON origin_certificates(created_at DESC);

CREATE TABLE IF NOT EXISTS partner_webhooks (
	id                    TEXT PRIMARY KEY,
	partner_id            TEXT NOT NULL,
	url                   TEXT NOT NULL,
	events                JSONB NOT NULL,
	secret                TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	active                BOOLEAN NOT NULL DEFAULT true,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_delivery_at      TIMESTAMPTZ,
	deliveries_total      INTEGER NOT NULL DEFAULT 0,
	deliveries_successful INTEGER NOT NULL DEFAULT 0,
	deliveries_failed     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_partner_webhooks_partner ON partner_webhooks(partner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS dead_letters (
	id        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	task_id   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	payload   JSONB,
	error     TEXT NOT NULL,
	class     TEXT NOT NULL DEFAULT 'transient',
	attempts  INTEGER NOT NULL DEFAULT 0,
	failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) FindByIdentity(ctx context.Context, id model.CertificateIdentity) (*model.Certificate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+certificateColumns+` FROM origin_certificates WHERE product_sku = $1 AND hs6 = $2 AND agreement = $3`,
		id.ProductSKU, id.HS6, id.Agreement,
	)
	c, err := scanPgCertificate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find certificate")
	}
	return c, nil
}

func (s *PostgresStore) Create(ctx context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error) {
	status, err := statusOrDefault(upd.Status)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO origin_certificates (id, product_sku, hs6, agreement, status, result, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING `+certificateColumns,
		uuid.New().String(), id.ProductSKU, id.HS6, id.Agreement, string(status), nullableJSON(upd.Result), now,
	)
	c, err := scanPgCertificate(row)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert certificate")
	}
	return c, nil
}

func (s *PostgresStore) Update(ctx context.Context, certID string, upd CertificateUpdate) (*model.Certificate, error) {
	status, err := statusOrDefault(upd.Status)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE origin_certificates SET status = $1, result = $2, updated_at = $3 WHERE id = $4
		 RETURNING `+certificateColumns,
		string(status), nullableJSON(upd.Result), s.now().UTC(), certID,
	)
	c, err := scanPgCertificate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "certificate %s", certID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update certificate %s", certID)
	}
	return c, nil
}

// Upsert relies on the identity unique constraint, so concurrent
// determinations for one identity converge on a single row.
func (s *PostgresStore) Upsert(ctx context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error) {
	status, err := statusOrDefault(upd.Status)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, upsertCertificateSQL,
		uuid.New().String(), id.ProductSKU, id.HS6, id.Agreement, string(status), nullableJSON(upd.Result), s.now().UTC(),
	)
	c, err := scanPgCertificate(row)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert certificate")
	}
	return c, nil
}

func (s *PostgresStore) Get(ctx context.Context, certID string) (*model.Certificate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+certificateColumns+` FROM origin_certificates WHERE id = $1`,
		certID,
	)
	c, err := scanPgCertificate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "certificate %s", certID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get certificate %s", certID)
	}
	return c, nil
}

func (s *PostgresStore) List(ctx context.Context, filter CertificateFilter) ([]model.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM origin_certificates WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Agreement != "" {
		query += fmt.Sprintf(` AND agreement = $%d`, argIdx)
		args = append(args, filter.Agreement)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND updated_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += ` ORDER BY updated_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list certificates")
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		c, err := scanPgCertificate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan certificate")
		}
		certs = append(certs, *c)
	}
	return certs, eris.Wrap(rows.Err(), "postgres: list certificates iterate")
}

func (s *PostgresStore) CreateWebhook(ctx context.Context, wh *model.Webhook) error {
	prepareWebhook(wh, s.now().UTC())
	events, err := json.Marshal(wh.Events)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal webhook events")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO partner_webhooks (id, partner_id, url, events, secret, description, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		wh.ID, wh.PartnerID, wh.URL, events, wh.Secret, wh.Description, wh.Active, wh.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert webhook")
}

func (s *PostgresStore) ListWebhooks(ctx context.Context, partnerID string) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, partner_id, url, events, secret, description, active, created_at, last_delivery_at,
		        deliveries_total, deliveries_successful, deliveries_failed
		 FROM partner_webhooks WHERE partner_id = $1 ORDER BY created_at DESC`,
		partnerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list webhooks")
	}
	defer rows.Close()

	hooks := []model.Webhook{}
	for rows.Next() {
		var wh model.Webhook
		var events []byte
		if err := rows.Scan(&wh.ID, &wh.PartnerID, &wh.URL, &events, &wh.Secret, &wh.Description, &wh.Active,
			&wh.CreatedAt, &wh.LastDeliveryAt,
			&wh.DeliveryStats.Total, &wh.DeliveryStats.Successful, &wh.DeliveryStats.Failed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan webhook")
		}
		if err := json.Unmarshal(events, &wh.Events); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal events for webhook %s", wh.ID)
		}
		hooks = append(hooks, wh)
	}
	return hooks, eris.Wrap(rows.Err(), "postgres: list webhooks iterate")
}

// DeleteWebhook removes the webhook only when partnerID owns it. A missing
// webhook and a foreign one both report false.
func (s *PostgresStore) DeleteWebhook(ctx context.Context, partnerID, webhookID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM partner_webhooks WHERE id = $1 AND partner_id = $2`,
		webhookID, partnerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete webhook %s", webhookID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SaveDeadLetter(ctx context.Context, d resilience.DeadLetter) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, task_id, kind, payload, error, class, attempts, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), d.TaskID, d.Kind, nullableJSON(d.Payload), d.Error, d.Class, d.Attempts, d.FailedAt,
	)
	return eris.Wrap(err, "postgres: insert dead letter")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]resilience.DeadLetter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, kind, payload, error, class, attempts, failed_at
		 FROM dead_letters ORDER BY failed_at DESC LIMIT $1`,
		limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []resilience.DeadLetter
	for rows.Next() {
		var d resilience.DeadLetter
		var payload []byte
		if err := rows.Scan(&d.TaskID, &d.Kind, &payload, &d.Error, &d.Class, &d.Attempts, &d.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		d.Payload = payload
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func scanPgCertificate(row pgx.Row) (*model.Certificate, error) {
	var c model.Certificate
	var status string
	var result []byte
	if err := row.Scan(&c.ID, &c.ProductSKU, &c.HS6, &c.Agreement, &status, &result, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = model.CertificateStatus(status)
	c.Result = decodeResult(result, c.ID)
	return &c, nil
}

// nullableJSON maps an empty blob to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
