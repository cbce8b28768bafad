package xqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, req Request) error

func (f SubmitterFunc) Submit(ctx context.Context, req Request) error { return f(ctx, req) }

// Withdrawer is implemented by submitters that can take back a request they
// accepted.
type Withdrawer interface {
	Withdraw(ctx context.Context, req Request) error
}

// Multi sends each request to every submitter in order. A request counts as
// submitted only when every submitter accepts it: on the first failure the
// rest are skipped and the request is withdrawn from the submitters that
// already accepted it.
func Multi(submitters ...Submitter) Submitter {
	return multi(submitters)
}

type multi []Submitter

func (m multi) Submit(ctx context.Context, req Request) error {
	for i, s := range m {
		err := s.Submit(ctx, req)
		if err == nil {
			continue
		}
		errs := []error{fmt.Errorf("submitter %d: %w", i, err)}
		for _, prev := range m[:i] {
			w, ok := prev.(Withdrawer)
			if !ok {
				slog.Warn("submitter cannot withdraw request", "key", req.Header.LMSKey, "queue", req.Header.QueueName)
				continue
			}
			if werr := w.Withdraw(ctx, req); werr != nil {
				errs = append(errs, fmt.Errorf("withdraw: %w", werr))
			}
		}
		return errors.Join(errs...)
	}
	return nil
}
