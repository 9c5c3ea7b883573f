package plan

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a RemoteStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close it.
//   - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "friendmap").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("plan: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("plan: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed RemoteStore.
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
		return nil, errors.New("plan: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const planColumns = `id, host_user_id, title, description, starts_at, latitude, longitude,
	emoji, activity, address_text, is_private, max_attendees, host_name, host_avatar_url`

// FetchPlans returns the full plan catalog.
func (s *PostgresStore) FetchPlans(ctx context.Context) ([]Plan, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("plan: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plans := pgIdent(s.schema, "plans")

	rows, err := s.pool.Query(ctx,
		`SELECT `+planColumns+` FROM `+plans+` ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePlan upserts the plan row so a divergence-retry after an optimistic
// local create is not an error.
func (s *PostgresStore) CreatePlan(ctx context.Context, p Plan) error {
	if s == nil || s.pool == nil {
		return errors.New("plan: nil store")
	}
	if p.ID == "" || p.HostUserID == "" {
		return errors.New("invalid plan")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	plans := pgIdent(s.schema, "plans")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+plans+` (`+planColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT (id) DO UPDATE SET
		     title = EXCLUDED.title,
		     description = EXCLUDED.description,
		     starts_at = EXCLUDED.starts_at,
		     latitude = EXCLUDED.latitude,
		     longitude = EXCLUDED.longitude,
		     emoji = EXCLUDED.emoji,
		     activity = EXCLUDED.activity,
		     address_text = EXCLUDED.address_text,
		     is_private = EXCLUDED.is_private,
		     max_attendees = EXCLUDED.max_attendees,
		     host_name = EXCLUDED.host_name,
		     host_avatar_url = EXCLUDED.host_avatar_url`,
		p.ID, p.HostUserID, p.Title, p.Description, p.StartsAt, p.Latitude, p.Longitude,
		p.Emoji, string(p.Activity), p.AddressText, p.IsPrivate, p.MaxAttendees,
		p.HostName, p.HostAvatarURL,
	)
	return err
}

// UpdatePlan rewrites the mutable plan fields. Unknown ids are a no-op.
func (s *PostgresStore) UpdatePlan(ctx context.Context, p Plan) error {
	if s == nil || s.pool == nil {
		return errors.New("plan: nil store")
	}
	if p.ID == "" {
		return errors.New("missing plan id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	plans := pgIdent(s.schema, "plans")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+plans+` SET
		     title = $2, description = $3, starts_at = $4, latitude = $5, longitude = $6,
		     emoji = $7, activity = $8, address_text = $9, is_private = $10,
		     max_attendees = $11
		 WHERE id = $1`,
		p.ID, p.Title, p.Description, p.StartsAt, p.Latitude, p.Longitude,
		p.Emoji, string(p.Activity), p.AddressText, p.IsPrivate, p.MaxAttendees,
	)
	return err
}

// DeletePlan removes the plan and everything keyed by it.
func (s *PostgresStore) DeletePlan(ctx context.Context, planID string) error {
	if s == nil || s.pool == nil {
		return errors.New("plan: nil store")
	}
	if planID == "" {
		return errors.New("missing plan id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, table := range []string{"rsvps", "plan_bans", "plans"} {
		ident := pgIdent(s.schema, table)
		col := "plan_id"
		if table == "plans" {
			col = "id"
		}
		if _, err := tx.Exec(ctx, `DELETE FROM `+ident+` WHERE `+col+` = $1`, planID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}

	return tx.Commit(ctx)
}

// FetchMyRSVPs returns the user's status keyed by plan id.
func (s *PostgresStore) FetchMyRSVPs(ctx context.Context, userID string) (map[string]Status, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("plan: nil store")
	}
	if userID == "" {
		return nil, errors.New("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rsvps := pgIdent(s.schema, "rsvps")

	rows, err := s.pool.Query(ctx,
		`SELECT plan_id, status FROM `+rsvps+` WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Status)
	for rows.Next() {
		var planID, st string
		if err := rows.Scan(&planID, &st); err != nil {
			return nil, err
		}
		out[planID] = Status(st)
	}
	return out, rows.Err()
}

// FetchAttendeesForPlans returns confirmed attendee ids keyed by plan id.
func (s *PostgresStore) FetchAttendeesForPlans(ctx context.Context, planIDs []string) (map[string][]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("plan: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(planIDs) == 0 {
		return map[string][]string{}, nil
	}

	rsvps := pgIdent(s.schema, "rsvps")

	rows, err := s.pool.Query(ctx,
		`SELECT plan_id, user_id FROM `+rsvps+`
		  WHERE status = 'going' AND plan_id = ANY($1)
		  ORDER BY plan_id, user_id`,
		planIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string, len(planIDs))
	for rows.Next() {
		var planID, userID string
		if err := rows.Scan(&planID, &userID); err != nil {
			return nil, err
		}
		out[planID] = append(out[planID], userID)
	}
	return out, rows.Err()
}

// UpdateRSVP upserts the RSVP record. StatusNone clears it. Banned users are
// rejected so a kick stays effective across re-join attempts.
func (s *PostgresStore) UpdateRSVP(ctx context.Context, planID, userID string, st Status) error {
	if s == nil || s.pool == nil {
		return errors.New("plan: nil store")
	}
	if planID == "" || userID == "" {
		return errors.New("invalid input")
	}
	if !ValidStatus(st) {
		return errors.New("invalid status")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rsvps := pgIdent(s.schema, "rsvps")
	bans := pgIdent(s.schema, "plan_bans")

	if st == StatusNone {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM `+rsvps+` WHERE plan_id = $1 AND user_id = $2`,
			planID, userID,
		)
		return err
	}

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+bans+` WHERE plan_id = $1 AND user_id = $2`,
		planID, userID,
	).Scan(&one)
	if err == nil {
		return errors.New("user is banned from plan")
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+rsvps+` (plan_id, user_id, status, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (plan_id, user_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     updated_at = now()`,
		planID, userID, string(st),
	)
	return err
}

// KickUser removes the RSVP record and bans the user from this plan.
func (s *PostgresStore) KickUser(ctx context.Context, planID, userID, byUserID, reason string) error {
	if s == nil || s.pool == nil {
		return errors.New("plan: nil store")
	}
	if planID == "" || userID == "" || byUserID == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rsvps := pgIdent(s.schema, "rsvps")
	bans := pgIdent(s.schema, "plan_bans")

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+rsvps+` WHERE plan_id = $1 AND user_id = $2`,
		planID, userID,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+bans+` (plan_id, user_id, banned_by, reason, banned_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (plan_id, user_id) DO UPDATE SET
		     banned_by = EXCLUDED.banned_by,
		     reason = EXCLUDED.reason,
		     banned_at = now()`,
		planID, userID, byUserID, reason,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func scanPlan(rows pgx.Rows) (Plan, error) {
	var (
		p        Plan
		activity string
	)
	err := rows.Scan(
		&p.ID,
		&p.HostUserID,
		&p.Title,
		&p.Description,
		&p.StartsAt,
		&p.Latitude,
		&p.Longitude,
		&p.Emoji,
		&activity,
		&p.AddressText,
		&p.IsPrivate,
		&p.MaxAttendees,
		&p.HostName,
		&p.HostAvatarURL,
	)
	p.Activity = ActivityType(activity)
	return p, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
