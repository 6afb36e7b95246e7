// Package postgres is the networked Persistence Gateway backend, used when
// the operator configures a shared database instead of the embedded sqlite
// file.
package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/clankbot/clank/internal/model"
	"github.com/clankbot/clank/internal/profile"
	"github.com/clankbot/clank/internal/store"
)

// maxOpenConns bounds the connection pool (size 5 for networked
// persistence).
const maxOpenConns = 5

// DB is the postgres-backed store.Driver implementation.
type DB struct {
	db *sql.DB
}

// NewDB opens and migrates the postgres database named by profile.DSN.
func NewDB(p *profile.Profile) (store.Driver, error) {
	if p.DSN == "" {
		return nil, errors.New("dsn required")
	}

	sqlDB, err := sql.Open("postgres", p.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", p.DSN)
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	d := &DB{db: sqlDB}
	if err := d.migrate(context.Background()); err != nil {
		return nil, errors.Wrap(err, "failed to migrate schema")
	}
	slog.Info("postgres store ready", "max_open_conns", maxOpenConns)
	return d, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	user_id TEXT NOT NULL,
	user_display_name TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_timestamp ON messages(channel, timestamp);

CREATE TABLE IF NOT EXISTS channel_config (
	channel TEXT PRIMARY KEY,
	message_threshold INTEGER NOT NULL DEFAULT 30,
	spontaneous_cooldown INTEGER NOT NULL DEFAULT 300,
	response_cooldown INTEGER NOT NULL DEFAULT 60,
	context_limit INTEGER NOT NULL DEFAULT 200,
	model_override TEXT,
	message_count INTEGER NOT NULL DEFAULT 0,
	last_spontaneous_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS user_response_cooldowns (
	channel TEXT NOT NULL,
	user_id TEXT NOT NULL,
	last_response_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (channel, user_id)
);
CREATE INDEX IF NOT EXISTS idx_cooldowns_channel_user ON user_response_cooldowns(channel, user_id);

CREATE TABLE IF NOT EXISTS bot_metrics (
	channel TEXT NOT NULL,
	metric_type TEXT NOT NULL,
	metric_value DOUBLE PRECISION NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_channel_type_ts ON bot_metrics(channel, metric_type, timestamp);

CREATE TABLE IF NOT EXISTS auth_tokens (
	id INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	access_token_ciphertext TEXT NOT NULL,
	refresh_token_ciphertext TEXT,
	expires_at TIMESTAMPTZ,
	bot_username TEXT
);
`

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schema)
	return err
}

func classifyErr(err error) error {
	return store.ClassifyErrText(err)
}

func (d *DB) StoreMessage(ctx context.Context, msg model.Message) (bool, error) {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, channel, user_id, user_display_name, content, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING
	`, msg.MessageID, msg.Channel, msg.UserID, msg.UserDisplayName, msg.Content, msg.Timestamp)
	if err != nil {
		return false, classifyErr(err)
	}
	if err := d.ensureConfig(ctx, msg.Channel); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DB) ensureConfig(ctx context.Context, channel string) error {
	now := time.Now()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO channel_config (channel, message_threshold, spontaneous_cooldown, response_cooldown, context_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel) DO NOTHING
	`, channel, model.DefaultMessageThreshold, model.DefaultSpontaneousCooldownS, model.DefaultResponseCooldownS, model.DefaultContextLimit, now, now)
	return classifyErr(err)
}

func (d *DB) GetRecentMessages(ctx context.Context, channel string, limit int) ([]model.Message, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT message_id, channel, user_id, user_display_name, content, timestamp FROM (
			SELECT * FROM messages WHERE channel = $1 ORDER BY timestamp DESC LIMIT $2
		) recent ORDER BY timestamp ASC
	`, channel, limit)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.MessageID, &m.Channel, &m.UserID, &m.UserDisplayName, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) DeleteMessage(ctx context.Context, messageID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = $1`, messageID)
	if err != nil {
		return false, classifyErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *DB) DeleteUserMessages(ctx context.Context, channel, userID string) (bool, error) {
	_, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = $1 AND user_id = $2`, channel, userID)
	if err != nil {
		return false, classifyErr(err)
	}
	return true, nil
}

func (d *DB) ClearChannel(ctx context.Context, channel string) (bool, error) {
	_, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = $1`, channel)
	if err != nil {
		return false, classifyErr(err)
	}
	return true, nil
}

func (d *DB) CleanupOldMessages(ctx context.Context, channel string, retentionDays int) (bool, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var err error
	if channel == "" {
		_, err = d.db.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < $1`, cutoff)
	} else {
		_, err = d.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = $1 AND timestamp < $2`, channel, cutoff)
	}
	if err != nil {
		return false, classifyErr(err)
	}
	return true, nil
}

func (d *DB) CountRecentMessages(ctx context.Context, channel string, hours int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE channel = $1 AND timestamp >= $2
	`, channel, cutoff).Scan(&count)
	if err != nil {
		return 0, classifyErr(err)
	}
	return count, nil
}

func (d *DB) GetConfig(ctx context.Context, channel string) (model.ChannelConfig, error) {
	if err := d.ensureConfig(ctx, channel); err != nil {
		return model.ChannelConfig{}, err
	}

	var cfg model.ChannelConfig
	var modelOverride sql.NullString
	var lastSpontaneous sql.NullTime
	err := d.db.QueryRowContext(ctx, `
		SELECT channel, message_threshold, spontaneous_cooldown, response_cooldown,
		       context_limit, model_override, message_count, last_spontaneous_at, created_at, updated_at
		FROM channel_config WHERE channel = $1
	`, channel).Scan(
		&cfg.Channel, &cfg.MessageThreshold, &cfg.SpontaneousCooldownS, &cfg.ResponseCooldownS,
		&cfg.ContextLimit, &modelOverride, &cfg.MessageCount, &lastSpontaneous, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return model.ChannelConfig{}, classifyErr(err)
	}
	if modelOverride.Valid {
		cfg.ModelOverride = &modelOverride.String
	}
	if lastSpontaneous.Valid {
		cfg.LastSpontaneousAt = &lastSpontaneous.Time
	}
	return cfg, nil
}

func (d *DB) UpdateConfig(ctx context.Context, channel, key string, value any) (bool, error) {
	if !store.IsValidConfigField(key) {
		return false, errors.Errorf("unknown config field %q", key)
	}
	if err := d.ensureConfig(ctx, channel); err != nil {
		return false, err
	}

	query := `UPDATE channel_config SET ` + key + ` = $1, updated_at = $2 WHERE channel = $3`
	_, err := d.db.ExecContext(ctx, query, value, time.Now(), channel)
	if err != nil {
		return false, classifyErr(err)
	}
	return true, nil
}

func (d *DB) IncrementMessageCount(ctx context.Context, channel string) (int, error) {
	if err := d.ensureConfig(ctx, channel); err != nil {
		return 0, err
	}
	var count int
	err := d.db.QueryRowContext(ctx, `
		UPDATE channel_config SET message_count = message_count + 1, updated_at = $1
		WHERE channel = $2 RETURNING message_count
	`, time.Now(), channel).Scan(&count)
	if err != nil {
		return 0, classifyErr(err)
	}
	return count, nil
}

func (d *DB) ResetMessageCount(ctx context.Context, channel string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE channel_config SET message_count = 0, updated_at = $1 WHERE channel = $2
	`, time.Now(), channel)
	return classifyErr(err)
}

func (d *DB) UpdateSpontaneousTimestamp(ctx context.Context, channel string) error {
	now := time.Now()
	_, err := d.db.ExecContext(ctx, `
		UPDATE channel_config SET last_spontaneous_at = $1, updated_at = $2 WHERE channel = $3
	`, now, now, channel)
	return classifyErr(err)
}

func (d *DB) GetUserLastResponse(ctx context.Context, channel, userID string) (*time.Time, error) {
	var t time.Time
	err := d.db.QueryRowContext(ctx, `
		SELECT last_response_at FROM user_response_cooldowns WHERE channel = $1 AND user_id = $2
	`, channel, userID).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyErr(err)
	}
	return &t, nil
}

func (d *DB) UpdateUserResponseTimestamp(ctx context.Context, channel, userID string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_response_cooldowns (channel, user_id, last_response_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel, user_id) DO UPDATE SET last_response_at = excluded.last_response_at
	`, channel, userID, time.Now())
	return classifyErr(err)
}

func (d *DB) StoreAuthToken(ctx context.Context, tok model.AuthToken) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (id, access_token_ciphertext, refresh_token_ciphertext, expires_at, bot_username)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			access_token_ciphertext = excluded.access_token_ciphertext,
			refresh_token_ciphertext = excluded.refresh_token_ciphertext,
			expires_at = excluded.expires_at,
			bot_username = excluded.bot_username
	`, tok.AccessTokenCiphertext, tok.RefreshTokenCiphertext, tok.ExpiresAt, tok.BotUsername)
	return classifyErr(err)
}

func (d *DB) GetAuthToken(ctx context.Context) (*model.AuthToken, error) {
	var tok model.AuthToken
	var refresh sql.NullString
	var expires sql.NullTime
	var username sql.NullString
	err := d.db.QueryRowContext(ctx, `
		SELECT access_token_ciphertext, refresh_token_ciphertext, expires_at, bot_username FROM auth_tokens WHERE id = 1
	`).Scan(&tok.AccessTokenCiphertext, &refresh, &expires, &username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyErr(err)
	}
	tok.RefreshTokenCiphertext = refresh.String
	if expires.Valid {
		tok.ExpiresAt = &expires.Time
	}
	tok.BotUsername = username.String
	return &tok, nil
}

func (d *DB) UpdateAuthToken(ctx context.Context, tok model.AuthToken) error {
	return d.StoreAuthToken(ctx, tok)
}

func (d *DB) DeleteAuthToken(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE id = 1`)
	return classifyErr(err)
}

func (d *DB) RecordMetric(ctx context.Context, m model.Metric) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO bot_metrics (channel, metric_type, metric_value, timestamp) VALUES ($1, $2, $3, $4)
	`, m.Channel, string(m.MetricType), m.Value, m.Timestamp)
	return classifyErr(err)
}

func (d *DB) CleanupOldMetrics(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := d.db.ExecContext(ctx, `DELETE FROM bot_metrics WHERE timestamp < $1`, cutoff)
	return classifyErr(err)
}

func (d *DB) Ping(ctx context.Context) error {
	var one int
	return d.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func (d *DB) Close() error {
	return d.db.Close()
}
