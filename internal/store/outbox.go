package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/problem"
	"github.com/pavelanni/autograder/internal/xqueue"
)

// EnqueueRequest records a request handed to an external grader.
func (s *Store) EnqueueRequest(ctx context.Context, r model.QueueRequest) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_requests (problem_id, instance_id, queue_key, queue_name, callback_url, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ProblemID, r.InstanceID, r.QueueKey, r.QueueName, r.CallbackURL, r.Body, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingRequests returns requests that have not been answered, oldest first.
func (s *Store) PendingRequests(ctx context.Context) ([]model.QueueRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, problem_id, instance_id, queue_key, queue_name, callback_url, body, created_at, delivered_at
		 FROM queue_requests WHERE delivered_at IS NULL ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reqs []model.QueueRequest
	for rows.Next() {
		var r model.QueueRequest
		if err := rows.Scan(&r.ID, &r.ProblemID, &r.InstanceID, &r.QueueKey, &r.QueueName, &r.CallbackURL, &r.Body, &r.CreatedAt, &r.DeliveredAt); err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// PendingCount returns the number of unanswered requests for an instance.
func (s *Store) PendingCount(ctx context.Context, problemID, instanceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_requests WHERE problem_id = ? AND instance_id = ? AND delivered_at IS NULL`,
		problemID, instanceID,
	).Scan(&count)
	return count, err
}

// MarkDelivered stamps the request sent under key as answered.
func (s *Store) MarkDelivered(ctx context.Context, problemID, instanceID string, key int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_requests SET delivered_at = ?
		 WHERE problem_id = ? AND instance_id = ? AND queue_key = ? AND delivered_at IS NULL`,
		time.Now(), problemID, instanceID, key,
	)
	return err
}

// WithdrawRequest drops a request that was never answered.
func (s *Store) WithdrawRequest(ctx context.Context, callbackURL string, key int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_requests WHERE callback_url = ? AND queue_key = ? AND delivered_at IS NULL`,
		callbackURL, key,
	)
	return err
}

// Outbox records every request in the store. It implements xqueue.Submitter
// and xqueue.Withdrawer so queued answers can be picked up by a grader
// polling the outbox.
type Outbox struct {
	store *Store
}

// Outbox returns a submitter backed by the queue_requests table.
func (s *Store) Outbox() *Outbox {
	return &Outbox{store: s}
}

func (o *Outbox) Submit(ctx context.Context, req xqueue.Request) error {
	key, err := xqueue.ParseKey(req.Header)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	r := model.QueueRequest{
		QueueKey:    key,
		QueueName:   req.Header.QueueName,
		CallbackURL: req.Header.LMSCallbackURL,
		Body:        string(body),
	}
	if pid, iid, err := problem.ParseCallbackURL(req.Header.LMSCallbackURL); err == nil {
		r.ProblemID, r.InstanceID = pid, iid
	}
	id, err := o.store.EnqueueRequest(ctx, r)
	if err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}
	slog.Debug("queued request", "id", id, "queue", r.QueueName, "problem", r.ProblemID, "instance", r.InstanceID)
	return nil
}

func (o *Outbox) Withdraw(ctx context.Context, req xqueue.Request) error {
	key, err := xqueue.ParseKey(req.Header)
	if err != nil {
		return err
	}
	if err := o.store.WithdrawRequest(ctx, req.Header.LMSCallbackURL, key); err != nil {
		return fmt.Errorf("withdraw request: %w", err)
	}
	slog.Debug("withdrew request", "key", key, "queue", req.Header.QueueName)
	return nil
}
