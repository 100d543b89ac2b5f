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
	"github.com/shopspring/decimal"
	"github.com/zyedidia/generic/mapset"
)

type CreateRequestInput struct {
	Recipients   []string          `json:"recipients"`
	Amounts      []decimal.Decimal `json:"amounts"`
	Description  string            `json:"description"`
	DocumentRef  string            `json:"document_ref"`
	VirtualPayer string            `json:"virtual_payer"`
}

func (s *Server) validateRequest(in *CreateRequestInput) (decimal.Decimal, error) {
	p := s.cfg.Policy

	if len(in.Recipients) != len(in.Amounts) {
		return decimal.Zero, fmt.Errorf("%w: %d recipients, %d amounts", ErrArrayLengthMismatch, len(in.Recipients), len(in.Amounts))
	}

	if len(in.Recipients) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no recipients", ErrInvalidInput)
	}

	if len(in.Recipients) > p.MaxRecipients {
		return decimal.Zero, fmt.Errorf("%w: %d > %d", ErrTooManyRecipients, len(in.Recipients), p.MaxRecipients)
	}

	if !govalidator.RuneLength(in.Description, "1", strconv.Itoa(p.MaxDescriptionLen)) {
		return decimal.Zero, fmt.Errorf("%w: description length", ErrInvalidInput)
	}

	if !govalidator.RuneLength(in.DocumentRef, "0", strconv.Itoa(p.MaxDocumentRefLen)) {
		return decimal.Zero, fmt.Errorf("%w: document ref length", ErrInvalidInput)
	}

	var (
		total decimal.Decimal
		seen  = mapset.New[string]()
	)

	for i, recipient := range in.Recipients {
		if strings.TrimSpace(recipient) == "" {
			return decimal.Zero, fmt.Errorf("%w: recipient %d", ErrZeroAddress, i)
		}

		if recipient == s.cfg.Custody {
			return decimal.Zero, fmt.Errorf("%w: recipient %d is the custody account", ErrInvalidInput, i)
		}

		if seen.Has(recipient) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrDuplicateRecipient, recipient)
		}

		seen.Put(recipient)

		amount := in.Amounts[i]
		if amount.LessThan(p.MinAmount) || amount.GreaterThan(p.MaxAmount) {
			return decimal.Zero, fmt.Errorf("%w: %s for %s not in [%s, %s]", ErrInvalidAmount, amount, recipient, p.MinAmount, p.MaxAmount)
		}

		total = total.Add(amount)
	}

	return total, nil
}

// CreateRequest opens a disbursement request. Only the available balance is
// checked here; the locked percentage cap applies at director approval.
func (s *Server) CreateRequest(ctx context.Context, caller string, in CreateRequestInput) (*Request, error) {
	var req *Request
	err := s.update(func(txn *badger.Txn, now time.Time) error {
		total, err := s.validateRequest(&in)
		if err != nil {
			return err
		}

		if err := s.gate.Require(txn, RoleRequester, caller); err != nil {
			return err
		}

		if err := checkBlocked(ctx, s.ledger, in.Recipients...); err != nil {
			return err
		}

		ledger, err := openLedger(txn, s.cfg.Policy)
		if err != nil {
			return err
		}

		if err := ledger.reserveCheck(total); err != nil {
			return err
		}

		id, err := nextSequence(txn, requestSeqProperty)
		if err != nil {
			return err
		}

		subject := Subject{Kind: SubjectRequest, ID: id}
		req = &Request{
			ID:           id,
			Requester:    caller,
			Amount:       total,
			Description:  in.Description,
			DocumentRef:  in.DocumentRef,
			VirtualPayer: in.VirtualPayer,
			Status:       StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
			Deadline:     now.Add(s.cfg.Policy.PaymentWindow),
		}

		for i, recipient := range in.Recipients {
			req.Payments = append(req.Payments, &Payment{
				Recipient: recipient,
				Amount:    in.Amounts[i],
				TraceID:   traceID(s.cfg.Instance, subject, recipient),
			})
		}

		return saveRequest(txn, req)
	})

	if err != nil {
		return nil, err
	}

	slog.Info("request created", "id", req.ID, "requester", caller, "amount", req.Amount, "recipients", len(req.Payments))
	return req, nil
}

func (s *Server) GetRequest(ctx context.Context, id uint64) (*Request, error) {
	var req *Request
	err := s.view(func(txn *badger.Txn) (err error) {
		req, err = findRequest(txn, id)
		return
	})

	return req, err
}

// ListRequests returns up to limit requests with ids below before, newest
// first. before == 0 starts from the newest request.
func (s *Server) ListRequests(ctx context.Context, before uint64, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var requests []*Request
	err := s.view(func(txn *badger.Txn) (err error) {
		requests, err = listRequests(txn, before, limit)
		return
	})

	return requests, err
}

// CommitApproval records the caller's commitment for the request's current
// stage. Committing again restarts the reveal delay.
func (s *Server) CommitApproval(ctx context.Context, caller string, id uint64, hash Hash) error {
	return s.update(func(txn *badger.Txn, now time.Time) error {
		req, err := findRequest(txn, id)
		if err != nil {
			return err
		}

		role, err := s.gate.AuthorizeStage(txn, req, caller)
		if err != nil {
			return err
		}

		if err := s.cms.commit(txn, Subject{Kind: SubjectRequest, ID: id}, caller, hash, now); err != nil {
			return err
		}

		slog.Info("approval committed", "id", id, "status", req.Status, "role", role, "approver", caller)
		return nil
	})
}

// RevealApproval opens the caller's commitment and advances the request one
// stage. The director's reveal locks the funds and distributes them; if a
// transfer fails the request stays DirectorApproved with the unpaid part
// locked, and ErrTransferFailed is returned after the state is saved.
func (s *Server) RevealApproval(ctx context.Context, caller string, id uint64, nonce []byte) (*Request, error) {
	var (
		req     *Request
		payErr  error
		subject = Subject{Kind: SubjectRequest, ID: id}
	)

	err := s.update(func(txn *badger.Txn, now time.Time) error {
		var err error
		if req, err = findRequest(txn, id); err != nil {
			return err
		}

		role, err := s.gate.AuthorizeStage(txn, req, caller)
		if err != nil {
			return err
		}

		if err := s.cms.reveal(txn, subject, caller, nonce, now); err != nil {
			return err
		}

		from := req.Status
		switch req.Status {
		case StatusPending:
			req.Secretary = caller
			req.Status = StatusSecretaryApproved
		case StatusSecretaryApproved:
			req.Committee = caller
			req.Status = StatusCommitteeApproved
		case StatusCommitteeApproved:
			req.Finance = caller
			req.Status = StatusFinanceApproved
		case StatusFinanceApproved:
			if role == RoleCommittee {
				req.Additional = append(req.Additional, caller)
				break
			}

			ledger, err := openLedger(txn, s.cfg.Policy)
			if err != nil {
				return err
			}

			if err := ledger.lock(req.ID, req.Amount); err != nil {
				return err
			}

			req.Director = caller
			req.ApprovedAt = now
			req.Status = StatusDirectorApproved
		case StatusDirectorApproved:
			// retry below
		}

		req.UpdatedAt = now
		if req.Status == StatusDirectorApproved {
			// only a refused transfer is kept; anything else rolls back
			if err := s.distribute(ctx, txn, req); err != nil {
				if !errors.Is(err, ErrTransferFailed) {
					return err
				}

				payErr = err
			}
		}

		slog.Info("approval revealed", "id", id, "from", from, "to", req.Status, "role", role, "approver", caller)
		return saveRequest(txn, req)
	})

	if err != nil {
		return nil, err
	}

	return req, payErr
}

// distribute pays every unpaid recipient of a locked request. Each confirmed
// transfer is booked immediately so a later retry pays only the rest.
func (s *Server) distribute(ctx context.Context, txn *badger.Txn, req *Request) error {
	ledger, err := openLedger(txn, s.cfg.Policy)
	if err != nil {
		return err
	}

	unpaid := req.Unpaid()
	balance, err := s.ledger.BalanceOf(ctx, s.cfg.Custody)
	if err != nil {
		return fmt.Errorf("%w: custody balance: %w", ErrTransferFailed, err)
	}

	if balance.LessThan(unpaid) {
		slog.Error("custody balance short", "id", req.ID, "need", unpaid, "have", balance)
		return fmt.Errorf("%w: custody holds %s, request %d needs %s", ErrTransferFailed, balance, req.ID, unpaid)
	}

	for _, p := range req.Payments {
		if p.Paid {
			continue
		}

		if err := s.ledger.Transfer(ctx, p.Recipient, p.Amount, p.TraceID); err != nil {
			slog.Error("transfer failed", "id", req.ID, "recipient", p.Recipient, "amount", p.Amount, slog.Any("err", err))
			return fmt.Errorf("%w: pay %s on request %d: %w", ErrTransferFailed, p.Recipient, req.ID, err)
		}

		p.Paid = true
		if err := ledger.settle(req.ID, p.Amount); err != nil {
			return err
		}
	}

	if _, err := ledger.unlock(req.ID); err != nil {
		return err
	}

	req.Status = StatusDistributed
	slog.Info("request distributed", "id", req.ID, "amount", req.Amount, "total", ledger.state.Total)
	return nil
}

// CancelRequest cancels a live request on behalf of its requester or an
// admin, releasing any locked funds.
func (s *Server) CancelRequest(ctx context.Context, caller string, id uint64) (*Request, error) {
	var req *Request
	err := s.update(func(txn *badger.Txn, now time.Time) error {
		var err error
		if req, err = findRequest(txn, id); err != nil {
			return err
		}

		if req.Status.Terminal() {
			return fmt.Errorf("%w: request %d is %s", ErrInvalidStatus, id, req.Status)
		}

		if caller != req.Requester {
			if err := s.gate.requireAdmin(txn, caller); err != nil {
				return err
			}
		}

		return s.cancel(txn, req, now)
	})

	if err != nil {
		return nil, err
	}

	slog.Info("request cancelled", "id", id, "by", caller)
	return req, nil
}

func (s *Server) cancel(txn *badger.Txn, req *Request, now time.Time) error {
	ledger, err := openLedger(txn, s.cfg.Policy)
	if err != nil {
		return err
	}

	released, err := ledger.unlock(req.ID)
	if err != nil {
		return err
	}

	if released.IsPositive() {
		slog.Info("funds unlocked", "id", req.ID, "amount", released)
	}

	req.Status = StatusCancelled
	req.UpdatedAt = now
	return saveRequest(txn, req)
}
