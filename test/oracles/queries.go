package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must return zero rows on a
// consistent database; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_bid",
			SQL: `SELECT request_id, COUNT(*) FROM applications
                  WHERE status = 'accepted'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_completed_requires_both_confirmations",
			SQL: `SELECT id, status, nurse_completed, patient_completed FROM requests
                  WHERE status = 'completed' AND NOT (nurse_completed AND patient_completed)`,
		},
		{
			Name: "O3_assignment_matches_status",
			SQL: `SELECT id, status, nurse_id FROM requests
                  WHERE (status = 'pending' AND nurse_id IS NOT NULL)
                     OR (status IN ('accepted','in_progress','completed') AND nurse_id IS NULL)`,
		},
		{
			Name: "O4_no_pending_bids_on_settled_requests",
			SQL: `SELECT a.id, a.status, r.status FROM applications a
                  JOIN requests r ON r.id = a.request_id
                  WHERE a.status = 'pending' AND r.status <> 'pending'`,
		},
		{
			Name: "O5_accepted_bid_matches_assigned_nurse",
			SQL: `SELECT a.id, a.nurse_id, r.nurse_id FROM applications a
                  JOIN requests r ON r.id = a.request_id
                  WHERE a.status = 'accepted' AND (r.nurse_id IS NULL OR r.nurse_id <> a.nurse_id)`,
		},
		{
			Name: "O6_terminal_timestamps_present",
			SQL: `SELECT id, status FROM requests
                  WHERE (nurse_completed AND nurse_completed_at IS NULL)
                     OR (patient_completed AND patient_completed_at IS NULL)
                     OR (status = 'completed' AND completed_at IS NULL)
                     OR (status = 'cancelled' AND cancelled_at IS NULL)`,
		},
		{
			Name: "O7_completed_request_has_audit_event",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'completed'
                    AND NOT EXISTS (
                        SELECT 1 FROM request_events e
                        WHERE e.request_id = r.id AND e.type = 'REQUEST_COMPLETED')`,
		},
		{
			Name: "O8_unverified_nurse_never_assigned",
			SQL: `SELECT r.id, r.nurse_id FROM requests r
                  JOIN users u ON u.id = r.nurse_id
                  WHERE r.status IN ('accepted','in_progress','completed')
                    AND u.verification_status <> 'verified'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
