package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketd/marketd/internal/domain/message"
)

// MessageRepository implements message.Repository.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `id, msgid, direction, version, from_addr, to_addr, action_type, status, payload, sent_at, received_at, expires_at, retention_days, processed_count, processed_at, created_at, updated_at`

func (r *MessageRepository) Create(ctx context.Context, m *message.StoredMessage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stored_messages
		(`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, m.ID, m.MsgID, m.Direction, m.Version, m.From, m.To, m.ActionType, m.Status, m.Payload,
		m.SentAt, m.ReceivedAt, m.ExpiresAt, m.RetentionDays, m.ProcessedCount, m.ProcessedAt,
		m.CreatedAt, m.UpdatedAt)
	return err
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*message.StoredMessage, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM stored_messages WHERE id=$1
	`, id)
	return scanMessage(row)
}

func (r *MessageRepository) GetByMsgID(ctx context.Context, msgid string, dir message.Direction) (*message.StoredMessage, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM stored_messages WHERE msgid=$1 AND direction=$2
	`, msgid, dir)
	return scanMessage(row)
}

func (r *MessageRepository) Update(ctx context.Context, m *message.StoredMessage) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE stored_messages
		SET status=$1, processed_count=$2, processed_at=$3, updated_at=$4
		WHERE id=$5
	`, m.Status, m.ProcessedCount, m.ProcessedAt, m.UpdatedAt, m.ID)
	return err
}

func (r *MessageRepository) ListByStatus(ctx context.Context, status message.Status, limit int) ([]*message.StoredMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM stored_messages
		WHERE status=$1 ORDER BY received_at ASC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*message.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MessageRepository) CountByStatus(ctx context.Context) (map[message.Status]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM stored_messages GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[message.Status]int64)
	for rows.Next() {
		var status message.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanMessage(row pgx.Row) (*message.StoredMessage, error) {
	var m message.StoredMessage
	err := row.Scan(&m.ID, &m.MsgID, &m.Direction, &m.Version, &m.From, &m.To, &m.ActionType,
		&m.Status, &m.Payload, &m.SentAt, &m.ReceivedAt, &m.ExpiresAt, &m.RetentionDays,
		&m.ProcessedCount, &m.ProcessedAt, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
