package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// abandoned: no stage progress within the abandon timeout, before any
// funds were locked.
func abandoned(req *Request, p Policy, now time.Time) bool {
	switch req.Status {
	case StatusPending, StatusSecretaryApproved, StatusCommitteeApproved, StatusFinanceApproved:
		return elapsed(req.UpdatedAt, now, p.AbandonTimeout)
	default:
		return false
	}
}

// stale: locked by the director but never fully distributed.
func stale(req *Request, p Policy, now time.Time) bool {
	return req.Status == StatusDirectorApproved && elapsed(req.ApprovedAt, now, p.StaleTimeout)
}

func (s *Server) IsAbandoned(ctx context.Context, id uint64) (bool, error) {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}

	return abandoned(req, s.cfg.Policy, s.now()), nil
}

func (s *Server) IsStale(ctx context.Context, id uint64) (bool, error) {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}

	return stale(req, s.cfg.Policy, s.now()), nil
}

// CancelAbandoned cancels a request nobody advanced within the abandon
// timeout. Anyone may call it.
func (s *Server) CancelAbandoned(ctx context.Context, caller string, id uint64) (*Request, error) {
	var req *Request
	err := s.update(func(txn *badger.Txn, now time.Time) error {
		var err error
		if req, err = findRequest(txn, id); err != nil {
			return err
		}

		if !abandoned(req, s.cfg.Policy, now) {
			return fmt.Errorf("%w: request %d is %s, updated %s", ErrRequestNotAbandoned, id, req.Status, req.UpdatedAt.Format(time.RFC3339))
		}

		return s.cancel(txn, req, now)
	})

	if err != nil {
		return nil, err
	}

	slog.Info("abandoned request cancelled", "id", id, "by", caller)
	return req, nil
}

// UnlockStale releases the funds of a request stuck after director
// approval and cancels it. Anyone may call it.
func (s *Server) UnlockStale(ctx context.Context, caller string, id uint64) (*Request, error) {
	var req *Request
	err := s.update(func(txn *badger.Txn, now time.Time) error {
		var err error
		if req, err = findRequest(txn, id); err != nil {
			return err
		}

		if !stale(req, s.cfg.Policy, now) {
			return fmt.Errorf("%w: request %d is %s", ErrRequestNotStale, id, req.Status)
		}

		return s.cancel(txn, req, now)
	})

	if err != nil {
		return nil, err
	}

	slog.Info("stale request unlocked", "id", id, "by", caller)
	return req, nil
}
