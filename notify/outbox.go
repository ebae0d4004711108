package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxNotifier stores notifications in the notifications table for
// asynchronous delivery by whatever worker drains it. Insertion happens
// outside the lifecycle transaction on purpose: the transition must
// survive even when this write fails.
type OutboxNotifier struct {
	pool *pgxpool.Pool
}

func NewOutboxNotifier(pool *pgxpool.Pool) *OutboxNotifier {
	return &OutboxNotifier{pool: pool}
}

func (o *OutboxNotifier) Notify(ctx context.Context, recipientID, requestID string, kind Kind) error {
	// request_id is NULL for notifications not tied to a request, such as
	// verification decisions.
	const insertSQL = `
		INSERT INTO notifications (recipient_id, request_id, kind, status)
		VALUES ($1, NULLIF($2, '')::uuid, $3, 'pending')
	`
	if _, err := o.pool.Exec(ctx, insertSQL, recipientID, requestID, string(kind)); err != nil {
		return fmt.Errorf("notify: enqueue notification: %w", err)
	}
	return nil
}
