package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists and serves tenant, topic, webhook, and log data in
// PostgreSQL via database/sql and the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

// Open opens a connection pool against databaseURL, bounded to poolSize
// connections (spec §6.6 DB_POOL_SIZE).
func Open(databaseURL string, poolSize int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an already-configured *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*AccountRow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT account_id, max_requests_per_minute, max_connections
		FROM accounts WHERE account_id = $1`, accountID)

	a := &AccountRow{}
	err := row.Scan(&a.AccountID, &a.MaxRequestsPerMinute, &a.MaxConnections)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account %q: %w", accountID, err)
	}
	return a, nil
}

func (p *PostgresStore) TopicRelationExists(ctx context.Context, accountID, topicID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM topic_relations
			WHERE account_id = $1 AND topic_id = $2
		)`, accountID, topicID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: topic relation exists: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) DeviceTypeRelationExists(ctx context.Context, accountID, deviceTypeID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM device_types
			WHERE account_id = $1 AND device_type_id = $2
		)`, accountID, deviceTypeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: device type relation exists: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) GetAllTopicRelations(ctx context.Context) ([]TopicRelation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT topic_id, account_id FROM topic_relations`)
	if err != nil {
		return nil, fmt.Errorf("store: list topic relations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TopicRelation
	for rows.Next() {
		var tr TopicRelation
		if err := rows.Scan(&tr.TopicID, &tr.AccountID); err != nil {
			return nil, fmt.Errorf("store: scan topic relation: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAllWebhookTopics(ctx context.Context) ([]WebhookTopic, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT wt.topic_id, w.url
		FROM webhook_topics wt
		JOIN webhooks w ON w.id = wt.webhook_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list webhook topics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WebhookTopic
	for rows.Next() {
		var wt WebhookTopic
		if err := rows.Scan(&wt.TopicID, &wt.WebhookURL); err != nil {
			return nil, fmt.Errorf("store: scan webhook topic: %w", err)
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAPIKeyCiphertext(ctx context.Context, accountID string) ([]byte, []byte, error) {
	var ciphertext, iv []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT api_key_ciphertext, api_key_iv FROM accounts WHERE account_id = $1`,
		accountID).Scan(&ciphertext, &iv)
	if err == sql.ErrNoRows {
		return nil, nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: get api key for %q: %w", accountID, err)
	}
	return ciphertext, iv, nil
}

func (p *PostgresStore) InsertLog(ctx context.Context, entry LogEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO logs (account_id, level, data, created_at)
		VALUES ($1, $2, $3, $4)`,
		entry.AccountID, string(entry.Level), entry.Data, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: insert log: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListLogs(ctx context.Context, accountID string, page, pageSize int) ([]LogEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	offset := (page - 1) * pageSize

	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, level, data, created_at
		FROM logs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, accountID, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogEntry
	for rows.Next() {
		var (
			e   LogEntry
			lvl string
			ts  time.Time
		)
		if err := rows.Scan(&e.AccountID, &lvl, &e.Data, &ts); err != nil {
			return nil, fmt.Errorf("store: scan log: %w", err)
		}
		e.Level = LogLevel(lvl)
		e.Timestamp = ts
		out = append(out, e)
	}
	return out, rows.Err()
}

// Compile-time assertion that PostgresStore satisfies Store.
var _ Store = (*PostgresStore)(nil)
