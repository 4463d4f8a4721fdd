package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowmill/rowmill/common"
)

// RequestStatus is the lifecycle status of a queued request.
type RequestStatus string

const (
	StatusNew        RequestStatus = "NEW"
	StatusClaimed    RequestStatus = "CLAIMED"
	StatusProcessing RequestStatus = "PROCESSING"
	StatusDone       RequestStatus = "DONE"
	StatusFailed     RequestStatus = "FAILED"
	StatusCancelled  RequestStatus = "CANCELLED"
)

// Terminal reports whether the status is immutable.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Request is one row of the request queue.
type Request struct {
	RequestID     uuid.UUID
	MappingRef    string
	Status        RequestStatus
	ClaimOwner    *string
	ClaimDeadline *time.Time
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Parameters    map[string]string
}

const requestColumns = `request_id, mapping_ref, status, claim_owner, claim_deadline,
	created_at, started_at, finished_at, parameters`

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	err := row.Scan(&r.RequestID, &r.MappingRef, &r.Status, &r.ClaimOwner, &r.ClaimDeadline,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.Parameters)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertRequest enqueues a NEW request and returns its id. The queue does
// not deduplicate; callers wanting at-most-one-in-flight check prior
// non-terminal status themselves.
func (g *Gateway) InsertRequest(ctx context.Context, mappingRef string, parameters map[string]string) (uuid.UUID, error) {
	if parameters == nil {
		parameters = map[string]string{}
	}
	id := uuid.New()
	sql := fmt.Sprintf(
		`INSERT INTO %s (request_id, mapping_ref, status, parameters) VALUES ($1, $2, $3, $4)`,
		g.table("request_queue"))
	if _, err := g.pool.Exec(ctx, sql, id, mappingRef, StatusNew, parameters); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue request for %s: %w", mappingRef, err)
	}
	g.log.WithFields(common.RequestFields(id.String(), mappingRef)).Info("queue.enqueue")
	return id, nil
}

// ClaimNext atomically claims the oldest NEW request for workerID, setting
// the lease to now + lease. Claims are serialized with skip-locked row
// locks so concurrent workers claim distinct requests. Returns (nil, nil)
// when nothing is eligible.
func (g *Gateway) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Request, error) {
	deadline := now().Add(lease)
	sql := fmt.Sprintf(`
		UPDATE %[1]s SET status = $1, claim_owner = $2, claim_deadline = $3
		WHERE request_id = (
			SELECT request_id FROM %[1]s
			WHERE status = $4
			ORDER BY created_at, request_id
			%[2]s
			LIMIT 1
		)
		RETURNING `+requestColumns,
		g.table("request_queue"), g.dialect.SkipLocked())
	req, err := scanRequest(g.pool.QueryRow(ctx, sql, StatusClaimed, workerID, deadline, StatusNew))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim request: %w", err)
	}
	g.log.WithFields(common.RequestFields(req.RequestID.String(), req.MappingRef)).
		WithField("worker_id", workerID).Info("queue.claim")
	return req, nil
}

// Transition moves a request from one status to another with a guarded
// single-row update. ErrConcurrentTransition means the row was not in the
// expected status.
func (g *Gateway) Transition(ctx context.Context, requestID uuid.UUID, from, to RequestStatus) error {
	var extra string
	switch to {
	case StatusProcessing:
		extra = ", started_at = now()"
	case StatusDone, StatusFailed, StatusCancelled:
		extra = ", finished_at = now(), claim_owner = NULL, claim_deadline = NULL"
	}
	sql := fmt.Sprintf(
		`UPDATE %s SET status = $1%s WHERE request_id = $2 AND status = $3`,
		g.table("request_queue"), extra)
	tag, err := g.pool.Exec(ctx, sql, to, requestID, from)
	if err != nil {
		return fmt.Errorf("failed to transition request %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transition %s -> %s of %s: %w", from, to, requestID, ErrConcurrentTransition)
	}
	g.log.WithField("request_id", requestID.String()).
		WithField("from", string(from)).WithField("to", string(to)).Info("queue.transition")
	return nil
}

// Heartbeat extends the claim deadline by extend. Fails with
// ErrNotClaimOwner when workerID no longer holds the claim or the lease
// already expired.
func (g *Gateway) Heartbeat(ctx context.Context, requestID uuid.UUID, workerID string, extend time.Duration) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET claim_deadline = $1
		WHERE request_id = $2 AND claim_owner = $3
		  AND status IN ($4, $5) AND claim_deadline > now()`,
		g.table("request_queue"))
	tag, err := g.pool.Exec(ctx, sql, now().Add(extend), requestID, workerID, StatusClaimed, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to heartbeat request %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat of %s by %s: %w", requestID, workerID, ErrNotClaimOwner)
	}
	return nil
}

// ReclaimExpired returns expired claims to NEW. Terminal rows are never
// touched.
func (g *Gateway) ReclaimExpired(ctx context.Context) (int64, error) {
	sql := fmt.Sprintf(`
		UPDATE %s SET status = $1, claim_owner = NULL, claim_deadline = NULL
		WHERE status IN ($2, $3) AND claim_deadline < now()`,
		g.table("request_queue"))
	tag, err := g.pool.Exec(ctx, sql, StatusNew, StatusClaimed, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired claims: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		g.log.WithField("reclaimed", n).Info("reclaim")
		return n, nil
	}
	return 0, nil
}

// CancelRequest sets CANCELLED from any non-terminal status. Workers holding
// the row observe the cancel on their next check and drain.
func (g *Gateway) CancelRequest(ctx context.Context, requestID uuid.UUID) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET status = $1, finished_at = now(), claim_owner = NULL, claim_deadline = NULL
		WHERE request_id = $2 AND status IN ($3, $4, $5)`,
		g.table("request_queue"))
	tag, err := g.pool.Exec(ctx, sql, StatusCancelled, requestID, StatusNew, StatusClaimed, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to cancel request %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cancel of %s: %w", requestID, ErrConcurrentTransition)
	}
	g.log.WithField("request_id", requestID.String()).Info("queue.transition")
	return nil
}

// GetRequest loads one request by id.
func (g *Gateway) GetRequest(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	sql := fmt.Sprintf(`SELECT `+requestColumns+` FROM %s WHERE request_id = $1`, g.table("request_queue"))
	req, err := scanRequest(g.pool.QueryRow(ctx, sql, requestID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	return req, nil
}

// HasNonTerminalRequest reports whether the mapping already has a request in
// a non-terminal status. Used by callers that want at-most-one-in-flight.
func (g *Gateway) HasNonTerminalRequest(ctx context.Context, mappingRef string) (bool, error) {
	sql := fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE mapping_ref = $1 AND status IN ($2, $3, $4))`,
		g.table("request_queue"))
	var exists bool
	err := g.pool.QueryRow(ctx, sql, mappingRef, StatusNew, StatusClaimed, StatusProcessing).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check in-flight requests for %s: %w", mappingRef, err)
	}
	return exists, nil
}
