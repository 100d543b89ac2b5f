package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/dgraph-io/badger/v4"
)

func findActiveClosure(txn *badger.Txn) (*Closure, error) {
	var id uint64
	if _, err := readProperty(txn, activeClosureProperty, &id); err != nil {
		return nil, err
	}

	if id == 0 {
		return nil, ErrClosureNotFound
	}

	return findClosure(txn, id)
}

// InitiateClosure opens an emergency closure that, once approved, sweeps
// every custodied unit to returnAddress and pauses the instance.
func (s *Server) InitiateClosure(ctx context.Context, caller, returnAddress, reason string) (*Closure, error) {
	var c *Closure
	err := s.update(func(txn *badger.Txn, now time.Time) error {
		if strings.TrimSpace(returnAddress) == "" {
			return ErrZeroAddress
		}

		if !govalidator.RuneLength(reason, "1", strconv.Itoa(s.cfg.Policy.MaxReasonLen)) {
			return fmt.Errorf("%w: reason length", ErrInvalidInput)
		}

		ok, err := s.gate.HasAny(txn, caller, RoleCommittee, RoleDirector)
		if err != nil {
			return err
		}

		if !ok {
			return fmt.Errorf("%w: %s may not initiate a closure", ErrUnauthorizedApprover, caller)
		}

		if active, err := findActiveClosure(txn); err == nil {
			return fmt.Errorf("%w: closure %d is %s", ErrClosureActive, active.ID, active.Status)
		} else if !errors.Is(err, ErrClosureNotFound) {
			return err
		}

		id, err := nextSequence(txn, closureSeqProperty)
		if err != nil {
			return err
		}

		c = &Closure{
			ID:            id,
			Initiator:     caller,
			ReturnAddress: returnAddress,
			Reason:        reason,
			Status:        ClosureInitiated,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if err := saveClosure(txn, c); err != nil {
			return err
		}

		return saveProperty(txn, activeClosureProperty, id)
	})

	if err != nil {
		return nil, err
	}

	slog.Warn("emergency closure initiated", "id", c.ID, "by", caller, "return", returnAddress, "reason", reason)
	return c, nil
}

func (s *Server) GetClosure(ctx context.Context, id uint64) (*Closure, error) {
	var c *Closure
	err := s.view(func(txn *badger.Txn) (err error) {
		c, err = findClosure(txn, id)
		return
	})

	return c, err
}

// PendingClosure returns the active closure or ErrClosureNotFound.
func (s *Server) PendingClosure(ctx context.Context) (*Closure, error) {
	var c *Closure
	err := s.view(func(txn *badger.Txn) (err error) {
		c, err = findActiveClosure(txn)
		return
	})

	return c, err
}

func (s *Server) CommitClosureApproval(ctx context.Context, caller string, id uint64, hash Hash) error {
	return s.update(func(txn *badger.Txn, now time.Time) error {
		c, err := findClosure(txn, id)
		if err != nil {
			return err
		}

		role, err := s.gate.AuthorizeClosure(txn, c, caller)
		if err != nil {
			return err
		}

		if err := s.cms.commit(txn, Subject{Kind: SubjectClosure, ID: id}, caller, hash, now); err != nil {
			return err
		}

		slog.Info("closure approval committed", "id", id, "role", role, "approver", caller)
		return nil
	})
}

// ApproveClosure reveals the caller's commitment. Committee reveals count
// towards the quorum; the director's reveal after quorum executes the
// closure.
func (s *Server) ApproveClosure(ctx context.Context, caller string, id uint64, nonce []byte) (*Closure, error) {
	var c *Closure
	err := s.update(func(txn *badger.Txn, now time.Time) error {
		var err error
		if c, err = findClosure(txn, id); err != nil {
			return err
		}

		role, err := s.gate.AuthorizeClosure(txn, c, caller)
		if err != nil {
			return err
		}

		if err := s.cms.reveal(txn, Subject{Kind: SubjectClosure, ID: id}, caller, nonce, now); err != nil {
			return err
		}

		c.UpdatedAt = now
		if role == RoleCommittee {
			c.Committee = append(c.Committee, caller)
			c.Status = ClosurePartiallyApproved
			if len(c.Committee) >= CommitteeQuorum {
				c.Status = ClosureFullyApproved
			}

			slog.Info("closure approved", "id", id, "approver", caller, "status", c.Status)
			return saveClosure(txn, c)
		}

		c.Director = caller
		return s.execute(ctx, txn, c)
	})

	if err != nil {
		return nil, err
	}

	return c, nil
}

// execute sweeps the total balance to the return address and pauses the
// instance for good. A failed sweep transfer rolls everything back.
func (s *Server) execute(ctx context.Context, txn *badger.Txn, c *Closure) error {
	ledger, err := openLedger(txn, s.cfg.Policy)
	if err != nil {
		return err
	}

	amount := ledger.state.Total
	if amount.IsPositive() {
		trace := traceID(s.cfg.Instance, Subject{Kind: SubjectClosure, ID: c.ID}, c.ReturnAddress)
		if err := s.ledger.Transfer(ctx, c.ReturnAddress, amount, trace); err != nil {
			slog.Error("closure sweep failed", "id", c.ID, "to", c.ReturnAddress, "amount", amount, slog.Any("err", err))
			return fmt.Errorf("%w: sweep closure %d: %w", ErrTransferFailed, c.ID, err)
		}
	}

	if _, err := ledger.sweep(); err != nil {
		return err
	}

	c.Swept = amount
	c.Status = ClosureExecuted
	if err := saveClosure(txn, c); err != nil {
		return err
	}

	if err := saveProperty(txn, activeClosureProperty, uint64(0)); err != nil {
		return err
	}

	slog.Warn("emergency closure executed", "id", c.ID, "director", c.Director, "swept", amount, "to", c.ReturnAddress)
	return saveProperty(txn, pausedProperty, true)
}

// CancelClosure withdraws a closure before it executes. Only the initiator
// or an admin may cancel.
func (s *Server) CancelClosure(ctx context.Context, caller string, id uint64) (*Closure, error) {
	// an executed closure has paused the instance; report the execution
	// rather than the pause
	if c, err := s.GetClosure(ctx, id); err != nil {
		return nil, err
	} else if c.Status == ClosureExecuted {
		return nil, fmt.Errorf("%w: closure %d", ErrActionAlreadyExecuted, id)
	}

	var c *Closure
	err := s.update(func(txn *badger.Txn, now time.Time) error {
		var err error
		if c, err = findClosure(txn, id); err != nil {
			return err
		}

		if c.Status == ClosureCancelled {
			return fmt.Errorf("%w: closure %d is cancelled", ErrInvalidStatus, id)
		}

		if caller != c.Initiator {
			if err := s.gate.requireAdmin(txn, caller); err != nil {
				return err
			}
		}

		c.Status = ClosureCancelled
		c.UpdatedAt = now
		if err := saveClosure(txn, c); err != nil {
			return err
		}

		return saveProperty(txn, activeClosureProperty, uint64(0))
	})

	if err != nil {
		return nil, err
	}

	slog.Info("emergency closure cancelled", "id", id, "by", caller)
	return c, nil
}
