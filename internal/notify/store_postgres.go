package notify

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close it.
//   - Close() is therefore a no-op.
//
// Dedup is enforced by a unique index on (user_id, type, plan_id); Insert
// uses ON CONFLICT DO NOTHING plus a read-back so the stored record wins.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "friendmap").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("notify: empty schema")
		}
		if !pgIdentRE.MatchString(schema) {
			return errors.New("notify: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "friendmap",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("notify: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const notificationColumns = `id, user_id, type, plan_id, title, body, created_at, read_at`

// Fetch returns the user's notifications newest first.
func (s *PostgresStore) Fetch(ctx context.Context, userID string) ([]Notification, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("notify: nil store")
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table := pgIdent(s.schema, "notifications")

	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM `+table+`
		  WHERE user_id = $1
		  ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Insert stores the notification unless the (user_id, type, plan_id) key
// already exists, in which case the stored row is returned unchanged.
func (s *PostgresStore) Insert(ctx context.Context, n Notification) (InsertResult, error) {
	if s == nil || s.pool == nil {
		return InsertResult{}, errors.New("notify: nil store")
	}
	if n.ID == "" || n.UserID == "" || n.Type == "" || n.PlanID == "" {
		return InsertResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	table := pgIdent(s.schema, "notifications")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+table+` (`+notificationColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (user_id, type, plan_id) DO NOTHING`,
		n.ID, n.UserID, string(n.Type), n.PlanID, n.Title, n.Body, n.CreatedAt, n.ReadAt,
	)
	if err != nil {
		return InsertResult{}, err
	}
	if tag.RowsAffected() == 1 {
		return InsertResult{Stored: n, Inserted: true}, nil
	}

	var stored Notification
	row := s.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM `+table+`
		  WHERE user_id = $1 AND type = $2 AND plan_id = $3`,
		n.UserID, string(n.Type), n.PlanID,
	)
	var typ string
	if err := row.Scan(
		&stored.ID, &stored.UserID, &typ, &stored.PlanID,
		&stored.Title, &stored.Body, &stored.CreatedAt, &stored.ReadAt,
	); err != nil {
		return InsertResult{}, err
	}
	stored.Type = Type(typ)
	return InsertResult{Stored: stored, Inserted: false}, nil
}

// MarkRead sets the read timestamp once. Unknown ids return ErrNotFound.
func (s *PostgresStore) MarkRead(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errors.New("notify: nil store")
	}
	if id == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	table := pgIdent(s.schema, "notifications")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET read_at = COALESCE(read_at, now()) WHERE id = $1`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNotification(rows pgx.Rows) (Notification, error) {
	var (
		n   Notification
		typ string
	)
	err := rows.Scan(&n.ID, &n.UserID, &typ, &n.PlanID, &n.Title, &n.Body, &n.CreatedAt, &n.ReadAt)
	n.Type = Type(typ)
	return n, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
