package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS origin_certificates (
	id          TEXT PRIMARY KEY,
	product_sku TEXT NOT NULL,
	hs6         TEXT NOT NULL,
	agreement   TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	result      TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_origin_certificates_identity ON origin_certificates(product_sku, hs6, agreement);
CREATE INDEX IF NOT EXISTS idx_origin_certificates_status ON origin_certificates(status);

CREATE TABLE IF NOT EXISTS partner_webhooks (
	id                    TEXT PRIMARY KEY,
	partner_id            TEXT NOT NULL,
	url                   TEXT NOT NULL,
	events                TEXT NOT NULL,
	secret                TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	active                INTEGER NOT NULL DEFAULT 1,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	last_delivery_at      DATETIME,
	deliveries_total      INTEGER NOT NULL DEFAULT 0,
	deliveries_successful INTEGER NOT NULL DEFAULT 0,
	deliveries_failed     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_partner_webhooks_partner ON partner_webhooks(partner_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	id        TEXT PRIMARY KEY,
	task_id   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	payload   TEXT,
	error     TEXT NOT NULL,
	class     TEXT NOT NULL DEFAULT 'transient',
	attempts  INTEGER NOT NULL DEFAULT 0,
	failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) FindByIdentity(ctx context.Context, id model.CertificateIdentity) (*model.Certificate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+certificateColumns+` FROM origin_certificates WHERE product_sku = ? AND hs6 = ? AND agreement = ?`,
		id.ProductSKU, id.HS6, id.Agreement,
	)
	c, err := scanSQLiteCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find certificate")
	}
	return c, nil
}

func (s *SQLiteStore) Create(ctx context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error) {
	status, err := statusOrDefault(upd.Status)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO origin_certificates (id, product_sku, hs6, agreement, status, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+certificateColumns,
		uuid.New().String(), id.ProductSKU, id.HS6, id.Agreement, string(status), nullableText(upd.Result), now, now,
	)
	c, err := scanSQLiteCertificate(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert certificate")
	}
	return c, nil
}

func (s *SQLiteStore) Update(ctx context.Context, certID string, upd CertificateUpdate) (*model.Certificate, error) {
	status, err := statusOrDefault(upd.Status)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE origin_certificates SET status = ?, result = ?, updated_at = ? WHERE id = ?
		 RETURNING `+certificateColumns,
		string(status), nullableText(upd.Result), s.now().UTC(), certID,
	)
	c, err := scanSQLiteCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "certificate %s", certID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update certificate %s", certID)
	}
	return c, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error) {
	status, err := statusOrDefault(upd.Status)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO origin_certificates (id, product_sku, hs6, agreement, status, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (product_sku, hs6, agreement) DO UPDATE
		 SET status = excluded.status, result = excluded.result, updated_at = excluded.updated_at
		 RETURNING `+certificateColumns,
		uuid.New().String(), id.ProductSKU, id.HS6, id.Agreement, string(status), nullableText(upd.Result), now, now,
	)
	c, err := scanSQLiteCertificate(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert certificate")
	}
	return c, nil
}

func (s *SQLiteStore) Get(ctx context.Context, certID string) (*model.Certificate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+certificateColumns+` FROM origin_certificates WHERE id = ?`,
		certID,
	)
	c, err := scanSQLiteCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "certificate %s", certID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get certificate %s", certID)
	}
	return c, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter CertificateFilter) ([]model.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM origin_certificates WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Agreement != "" {
		query += ` AND agreement = ?`
		args = append(args, filter.Agreement)
	}
	if !filter.Since.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list certificates")
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		c, err := scanSQLiteCertificate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan certificate")
		}
		certs = append(certs, *c)
	}
	return certs, eris.Wrap(rows.Err(), "sqlite: list certificates iterate")
}

func (s *SQLiteStore) CreateWebhook(ctx context.Context, wh *model.Webhook) error {
	prepareWebhook(wh, s.now().UTC())
	events, err := json.Marshal(wh.Events)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal webhook events")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO partner_webhooks (id, partner_id, url, events, secret, description, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wh.ID, wh.PartnerID, wh.URL, string(events), wh.Secret, wh.Description, wh.Active, wh.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert webhook")
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context, partnerID string) ([]model.Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, partner_id, url, events, secret, description, active, created_at, last_delivery_at,
		        deliveries_total, deliveries_successful, deliveries_failed
		 FROM partner_webhooks WHERE partner_id = ? ORDER BY created_at DESC`,
		partnerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list webhooks")
	}
	defer rows.Close()

	hooks := []model.Webhook{}
	for rows.Next() {
		var wh model.Webhook
		var events string
		var lastDelivery sql.NullTime
		if err := rows.Scan(&wh.ID, &wh.PartnerID, &wh.URL, &events, &wh.Secret, &wh.Description, &wh.Active,
			&wh.CreatedAt, &lastDelivery,
			&wh.DeliveryStats.Total, &wh.DeliveryStats.Successful, &wh.DeliveryStats.Failed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan webhook")
		}
		if err := json.Unmarshal([]byte(events), &wh.Events); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal events for webhook %s", wh.ID)
		}
		if lastDelivery.Valid {
			t := lastDelivery.Time
			wh.LastDeliveryAt = &t
		}
		hooks = append(hooks, wh)
	}
	return hooks, eris.Wrap(rows.Err(), "sqlite: list webhooks iterate")
}

func (s *SQLiteStore) DeleteWebhook(ctx context.Context, partnerID, webhookID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM partner_webhooks WHERE id = ? AND partner_id = ?`,
		webhookID, partnerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: delete webhook %s", webhookID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) SaveDeadLetter(ctx context.Context, d resilience.DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, task_id, kind, payload, error, class, attempts, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), d.TaskID, d.Kind, nullableText(d.Payload), d.Error, d.Class, d.Attempts, d.FailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert dead letter")
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]resilience.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, kind, payload, error, class, attempts, failed_at
		 FROM dead_letters ORDER BY failed_at DESC LIMIT ?`,
		limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var out []resilience.DeadLetter
	for rows.Next() {
		var d resilience.DeadLetter
		var payload sql.NullString
		if err := rows.Scan(&d.TaskID, &d.Kind, &payload, &d.Error, &d.Class, &d.Attempts, &d.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		if payload.Valid {
			d.Payload = json.RawMessage(payload.String)
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteCertificate(row scannable) (*model.Certificate, error) {
	var c model.Certificate
	var status string
	var result sql.NullString
	if err := row.Scan(&c.ID, &c.ProductSKU, &c.HS6, &c.Agreement, &status, &result, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = model.CertificateStatus(status)
	if result.Valid {
		c.Result = decodeResult([]byte(result.String), c.ID)
	}
	return &c, nil
}

func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
