package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/migrations"
	"github.com/capitalize-ai/support-relay/pkg/logger"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type messageRow struct {
	Seq            int64  `db:"seq"`
	ConversationID string `db:"conversation_id"`
	MessageID      string `db:"message_id"`
	Direction      string `db:"direction"`
	Sender         string `db:"sender"`
	Category       string `db:"category"`
	Body           string `db:"body"`
	CreatedAt      string `db:"created_at"`
	Revision       int64  `db:"revision"`
}

type conversationRow struct {
	ID           string `db:"id"`
	Suggestions  string `db:"suggestions"`
	UpdatedAt    string `db:"updated_at"`
	MessageCount int    `db:"message_count"`
}

// SQLTier is the durable relational tier. The database need not be
// reachable when the tier is created; every operation first makes sure the
// connection answers and, when enabled, that the schema is migrated.
type SQLTier struct {
	db      *sqlx.DB
	driver  string
	migrate bool
	log     *logger.Logger
	now     func() time.Time

	readyMu sync.Mutex
	ready   bool
}

// OpenSQLTier connects to dsn with driver and, when applyMigrations is set,
// applies the embedded schema. It fails when the database is unreachable.
func OpenSQLTier(ctx context.Context, driver, dsn string, applyMigrations bool) (*SQLTier, error) {
	t, err := OpenLazySQLTier(driver, dsn, applyMigrations)
	if err != nil {
		return nil, err
	}
	if err := t.ensureReady(ctx); err != nil {
		_ = t.db.Close()
		return nil, err
	}
	return t, nil
}

// OpenLazySQLTier prepares a connection pool without contacting the
// database. Connecting and migrating happen on first use and are retried by
// later operations until they succeed.
func OpenLazySQLTier(driver, dsn string, applyMigrations bool) (*SQLTier, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite does not support concurrent writers.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	t := NewSQLTier(db, driver)
	t.migrate = applyMigrations
	return t, nil
}

// NewSQLTier wraps an existing connection pool. It never migrates on its own.
func NewSQLTier(db *sqlx.DB, driver string) *SQLTier {
	return &SQLTier{db: db, driver: driver, log: logger.NewNop(), now: time.Now}
}

// SetLogger sets the logger used to report skipped rows.
func (t *SQLTier) SetLogger(l *logger.Logger) {
	if l != nil {
		t.log = l.Named("sql")
	}
}

// Ready connects and migrates if that has not succeeded yet.
func (t *SQLTier) Ready(ctx context.Context) error {
	return t.ensureReady(ctx)
}

func (t *SQLTier) ensureReady(ctx context.Context) error {
	t.readyMu.Lock()
	defer t.readyMu.Unlock()
	if t.ready {
		return nil
	}
	if err := t.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if t.migrate {
		if err := t.Migrate(); err != nil {
			return err
		}
	}
	t.ready = true
	return nil
}

// Name returns the tier name.
func (t *SQLTier) Name() string { return "sql" }

// Migrate applies the embedded migrations for the tier's driver.
func (t *SQLTier) Migrate() error {
	sub, err := fs.Sub(migrations.FS, t.driver)
	if err != nil {
		return fmt.Errorf("failed to locate migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var migrator *migrate.Migrate
	switch t.driver {
	case DriverPostgres:
		drv, err := migratepostgres.WithInstance(t.db.DB, &migratepostgres.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migration driver: %w", err)
		}
		migrator, err = migrate.NewWithInstance("iofs", source, DriverPostgres, drv)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	default:
		drv, err := migratesqlite.WithInstance(t.db.DB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migration driver: %w", err)
		}
		migrator, err = migrate.NewWithInstance("iofs", source, DriverSQLite, drv)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	}

	// The migrator is not closed: closing it would close the shared pool.
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// WriteMessage upserts msg and touches its conversation in one transaction.
func (t *SQLTier) WriteMessage(ctx context.Context, msg model.NormalizedMessage) error {
	if err := validMessage(msg); err != nil {
		return err
	}
	if err := t.ensureReady(ctx); err != nil {
		return err
	}
	now := model.FormatTimestamp(t.now())

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, t.db.Rebind(`
		INSERT INTO relay_messages
			(conversation_id, message_id, direction, sender, category, body, created_at, stored_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, message_id) DO UPDATE SET
			direction = excluded.direction,
			sender = excluded.sender,
			category = excluded.category,
			body = excluded.body,
			created_at = excluded.created_at,
			stored_at = excluded.stored_at,
			revision = excluded.revision
		WHERE relay_messages.revision <= excluded.revision`),
		msg.ConversationID, msg.ID, string(msg.Direction), string(msg.Sender), string(msg.Category),
		msg.Text, model.FormatTimestamp(msg.CreatedAt), now, msg.Revision)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// A newer revision is already stored.
		return nil
	}

	if err := t.touchConversation(ctx, tx, msg.ConversationID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

func (t *SQLTier) touchConversation(ctx context.Context, tx *sqlx.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, t.db.Rebind(`
		INSERT INTO relay_conversations (id, suggestions, updated_at)
		VALUES (?, '[]', ?)
		ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at`), id, now)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// ReadMessages returns messages in ascending CreatedAt order.
//
// A row whose created_at cannot be parsed is logged and skipped so one bad
// record does not fail every read of its conversation.
func (t *SQLTier) ReadMessages(ctx context.Context, conversationID string, limit int) ([]model.NormalizedMessage, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := `
		SELECT seq, conversation_id, message_id, direction, sender, category, body, created_at, revision
		FROM relay_messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []messageRow
	if err := t.db.SelectContext(ctx, &rows, t.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	items := make([]sequenced, 0, len(rows))
	for _, r := range rows {
		createdAt, err := model.ParseTimestamp(r.CreatedAt)
		if err != nil {
			t.log.Warn("skipping message with unreadable created_at",
				zap.String("conversation_id", r.ConversationID),
				zap.String("message_id", r.MessageID),
				zap.String("created_at", r.CreatedAt),
			)
			continue
		}
		items = append(items, sequenced{
			seq: r.Seq,
			msg: model.NormalizedMessage{
				ID:             r.MessageID,
				ConversationID: r.ConversationID,
				Direction:      model.Direction(r.Direction),
				Sender:         model.Sender(r.Sender),
				Category:       model.Category(r.Category),
				Text:           r.Body,
				CreatedAt:      createdAt,
				Revision:       r.Revision,
			},
		})
	}
	return orderMessages(items, limit), nil
}

const conversationSelect = `
	SELECT c.id, c.suggestions, c.updated_at,
		(SELECT COUNT(*) FROM relay_messages m WHERE m.conversation_id = c.id) AS message_count
	FROM relay_conversations c`

// ListConversations returns summaries, most recently updated first.
func (t *SQLTier) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	var rows []conversationRow
	if err := t.db.SelectContext(ctx, &rows, conversationSelect+` ORDER BY c.updated_at DESC, c.id ASC`); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]model.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		s, err := r.summary()
		if err != nil {
			t.log.Warn("skipping unreadable conversation row", zap.String("conversation_id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// GetConversation returns one summary or nil.
func (t *SQLTier) GetConversation(ctx context.Context, conversationID string) (*model.ConversationSummary, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	var row conversationRow
	err := t.db.GetContext(ctx, &row, t.db.Rebind(conversationSelect+` WHERE c.id = ?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	s, err := row.summary()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r conversationRow) summary() (model.ConversationSummary, error) {
	updatedAt, err := model.ParseTimestamp(r.UpdatedAt)
	if err != nil {
		return model.ConversationSummary{}, fmt.Errorf("invalid updated_at for conversation %s: %w", r.ID, err)
	}
	var suggestions []string
	if r.Suggestions != "" {
		if err := json.Unmarshal([]byte(r.Suggestions), &suggestions); err != nil {
			return model.ConversationSummary{}, fmt.Errorf("invalid suggestions for conversation %s: %w", r.ID, err)
		}
	}
	return model.ConversationSummary{
		ID:           r.ID,
		MessageCount: r.MessageCount,
		Suggestions:  suggestions,
		UpdatedAt:    updatedAt,
	}, nil
}

// SetSuggestions replaces the conversation's suggestions wholesale.
func (t *SQLTier) SetSuggestions(ctx context.Context, conversationID string, suggestions []string) error {
	if err := t.ensureReady(ctx); err != nil {
		return err
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	encoded, err := json.Marshal(suggestions)
	if err != nil {
		return fmt.Errorf("failed to encode suggestions: %w", err)
	}
	_, err = t.db.ExecContext(ctx, t.db.Rebind(`
		INSERT INTO relay_conversations (id, suggestions, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			suggestions = excluded.suggestions,
			updated_at = excluded.updated_at`),
		conversationID, string(encoded), model.FormatTimestamp(t.now()))
	if err != nil {
		return fmt.Errorf("failed to set suggestions: %w", err)
	}
	return nil
}

// UpsertStatus stores the queue row for a conversation. A row older than the
// stored one is ignored.
func (t *SQLTier) UpsertStatus(ctx context.Context, status model.ConversationStatus) error {
	if err := t.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	_, err = t.db.ExecContext(ctx, t.db.Rebind(`
		INSERT INTO relay_conversation_status (conversation_id, status, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE relay_conversation_status.updated_at <= excluded.updated_at`),
		status.ConversationID, string(status.Status), string(payload), model.FormatTimestamp(status.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert status: %w", err)
	}
	return nil
}

// GetStatus returns the queue row or nil.
func (t *SQLTier) GetStatus(ctx context.Context, conversationID string) (*model.ConversationStatus, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	var payload string
	err := t.db.GetContext(ctx, &payload, t.db.Rebind(
		`SELECT payload FROM relay_conversation_status WHERE conversation_id = ?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	var st model.ConversationStatus
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("invalid status payload for %s: %w", conversationID, err)
	}
	return &st, nil
}

// ListStatuses returns queue rows in the given status, oldest update first.
func (t *SQLTier) ListStatuses(ctx context.Context, status model.Status) ([]model.ConversationStatus, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	var payloads []string
	err := t.db.SelectContext(ctx, &payloads, t.db.Rebind(`
		SELECT payload FROM relay_conversation_status
		WHERE status = ?
		ORDER BY updated_at ASC, conversation_id ASC`), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	out := make([]model.ConversationStatus, 0, len(payloads))
	for _, p := range payloads {
		var st model.ConversationStatus
		if err := json.Unmarshal([]byte(p), &st); err != nil {
			return nil, fmt.Errorf("invalid status payload: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Reset deletes every row in a single transaction.
func (t *SQLTier) Reset(ctx context.Context) error {
	if err := t.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"relay_messages", "relay_conversations", "relay_conversation_status"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (t *SQLTier) Ping(ctx context.Context) error {
	if err := t.ensureReady(ctx); err != nil {
		return err
	}
	return t.db.PingContext(ctx)
}

// Close closes the connection pool.
func (t *SQLTier) Close() error {
	return t.db.Close()
}
