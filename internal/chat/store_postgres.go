package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"friendmap/internal/ids"
)

// PostgresStore is a chat Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-plan transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
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
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed chat Store.
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// SendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) SendMessage(ctx context.Context, in SendInput) (SendResult, error) {
	if s == nil || s.pool == nil {
		return SendResult{}, errors.New("chat: nil store")
	}
	if in.PlanID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return SendResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return SendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "chat_cursors")
	messages := pgIdent(s.schema, "chat_messages")

	// Serialize all writes per plan to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	//
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.PlanID); err != nil {
		return SendResult{}, err
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.PlanID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return SendResult{}, err
		}
		return SendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return SendResult{}, err
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (plan_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (plan_id) DO NOTHING`,
		in.PlanID,
	); err != nil {
		return SendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE plan_id = $1
		RETURNING (next_seq - 1)`,
		in.PlanID,
	).Scan(&seq); err != nil {
		return SendResult{}, err
	}

	serverMsgID, err := ids.NewULID(now)
	if err != nil {
		return SendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     plan_id, seq, server_msg_id, client_msg_id, sender_id, sender_name, content, sent_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.PlanID, seq, serverMsgID, in.ClientMsgID, in.SenderID, in.SenderName, in.Content, now,
	); err != nil {
		return SendResult{}, err
	}

	out := Message{
		ID:          serverMsgID,
		ClientMsgID: in.ClientMsgID,
		PlanID:      in.PlanID,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		Content:     in.Content,
		Seq:         seq,
		SentAt:      now,
		Delivery:    DeliverySent,
	}

	if err := tx.Commit(ctx); err != nil {
		return SendResult{}, err
	}
	return SendResult{Stored: out, Duplicated: false}, nil
}

// FetchMessages returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchMessages(ctx context.Context, in FetchInput) (FetchResult, error) {
	if s == nil || s.pool == nil {
		return FetchResult{}, errors.New("chat: nil store")
	}
	if in.PlanID == "" {
		return FetchResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "chat_messages")

	var (
		rows pgx.Rows
		err  error
	)

	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT plan_id, client_msg_id, server_msg_id, seq, sender_id, sender_name, content, sent_at
			   FROM `+messages+`
			  WHERE plan_id = $1
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.PlanID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT plan_id, client_msg_id, server_msg_id, seq, sender_id, sender_name, content, sent_at
			   FROM `+messages+`
			  WHERE plan_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.PlanID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return FetchResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return FetchResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return FetchResult{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead upserts the user's read marker for the plan. Markers only move
// forward; a stale timestamp never rewinds one.
func (s *PostgresStore) MarkRead(ctx context.Context, planID, userID string, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if planID == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	reads := pgIdent(s.schema, "chat_reads")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+reads+` (plan_id, user_id, read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (plan_id, user_id)
		 DO UPDATE SET read_at = GREATEST(`+reads+`.read_at, EXCLUDED.read_at)`,
		planID, userID, at,
	)
	return err
}

// FetchSummaries computes per-plan unread counts and last-message previews
// for the user in one round trip.
func (s *PostgresStore) FetchSummaries(ctx context.Context, userID string, planIDs []string) ([]Summary, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if len(planIDs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "chat_messages")
	reads := pgIdent(s.schema, "chat_reads")

	rows, err := s.pool.Query(ctx,
		`SELECT m.plan_id,
		        COUNT(*) FILTER (
		            WHERE m.sender_id <> $1
		              AND m.sent_at > COALESCE(r.read_at, 'epoch'::timestamptz)
		        ) AS unread,
		        MAX(m.sent_at) AS last_at,
		        (ARRAY_AGG(m.content ORDER BY m.seq DESC))[1] AS last_content,
		        (ARRAY_AGG(m.sender_id ORDER BY m.seq DESC))[1] AS last_sender
		   FROM `+messages+` m
		   LEFT JOIN `+reads+` r
		     ON r.plan_id = m.plan_id AND r.user_id = $1
		  WHERE m.plan_id = ANY($2)
		  GROUP BY m.plan_id`,
		userID, planIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byPlan := make(map[string]Summary, len(planIDs))
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.PlanID, &sum.UnreadCount, &sum.LastMessageAt, &sum.LastPreview, &sum.LastSenderID); err != nil {
			return nil, err
		}
		byPlan[sum.PlanID] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(planIDs))
	for _, id := range planIDs {
		if sum, ok := byPlan[id]; ok {
			out = append(out, sum)
			continue
		}
		out = append(out, Summary{PlanID: id})
	}
	return out, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, planID, clientMsgID string) (Message, error) {
	var m Message
	err := tx.QueryRow(ctx,
		`SELECT plan_id, client_msg_id, server_msg_id, seq, sender_id, sender_name, content, sent_at
		   FROM `+messagesTable+`
		  WHERE plan_id = $1 AND client_msg_id = $2`,
		planID, clientMsgID,
	).Scan(&m.PlanID, &m.ClientMsgID, &m.ID, &m.Seq, &m.SenderID, &m.SenderName, &m.Content, &m.SentAt)
	if err != nil {
		return Message{}, err
	}
	m.Delivery = DeliverySent
	return m, nil
}

func scanMessage(rows pgx.Rows) (Message, error) {
	var m Message
	if err := rows.Scan(&m.PlanID, &m.ClientMsgID, &m.ID, &m.Seq, &m.SenderID, &m.SenderName, &m.Content, &m.SentAt); err != nil {
		return Message{}, err
	}
	m.Delivery = DeliverySent
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
