package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	pausedProperty        = "paused"
	requestSeqProperty    = "request_seq"
	closureSeqProperty    = "closure_seq"
	depositSeqProperty    = "deposit_seq"
	activeClosureProperty = "active_closure"
)

type Config struct {
	// Instance seeds the commitment domain separator and transfer trace ids.
	Instance string
	// Custody is the account holding the funds on the asset ledger.
	Custody string
	// Admins are granted RoleAdmin when the server starts.
	Admins []string
	Policy Policy

	KeeperInterval time.Duration

	// AuthIssuer and AuthSecret verify the HS256 bearer tokens accepted by
	// Handler.
	AuthIssuer string
	AuthSecret []byte
}

type Server struct {
	db     *badger.DB
	ledger AssetLedger
	cfg    Config
	gate   Gate
	cms    commitments

	// mu serializes every mutating operation.
	mu  sync.Mutex
	now func() time.Time
}

func NewServer(
	db *badger.DB,
	ledger AssetLedger,
	cfg Config,
) (*Server, error) {
	if cfg.Instance == "" || cfg.Custody == "" {
		return nil, fmt.Errorf("%w: instance and custody account required", ErrInvalidInput)
	}

	if len(cfg.AuthSecret) == 0 {
		return nil, fmt.Errorf("%w: auth secret required", ErrInvalidInput)
	}

	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		db:     db,
		ledger: instrumentLedger(ledger),
		cfg:    cfg,
		cms: commitments{
			instance: cfg.Instance,
			delay:    cfg.Policy.RevealDelay,
		},
		now: time.Now,
	}

	if err := s.bootstrap(cfg.Admins); err != nil {
		return nil, err
	}

	return s, nil
}

// bootstrap grants the configured admins without an admin check.
func (s *Server) bootstrap(admins []string) error {
	if len(admins) == 0 {
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, admin := range admins {
			ok, err := hasGrant(txn, RoleAdmin, admin)
			if err != nil {
				return err
			}

			if ok {
				continue
			}

			if err := saveGrant(txn, RoleAdmin, admin, &grant{GrantedBy: "bootstrap", GrantedAt: s.now()}); err != nil {
				return err
			}

			slog.Info("bootstrap admin", "account", admin)
		}

		return nil
	})
}

func (s *Server) Run(ctx context.Context) error {
	var g errgroup.Group

	if s.cfg.KeeperInterval > 0 {
		g.Go(func() error {
			return s.RunKeeper(ctx, s.cfg.KeeperInterval)
		})
	}

	return g.Wait()
}

// update runs fn as one atomic, serialized operation. A returned error
// discards every write fn made.
func (s *Server) update(fn func(txn *badger.Txn, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return s.db.Update(func(txn *badger.Txn) error {
		var paused bool
		if _, err := readProperty(txn, pausedProperty, &paused); err != nil {
			return err
		}

		if paused {
			return ErrPaused
		}

		return fn(txn, now)
	})
}

func (s *Server) view(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

func (s *Server) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := ReadProperty(s.db, pausedProperty, &paused)
	return paused, err
}

// roles

func (s *Server) Grant(ctx context.Context, admin string, role Role, account string) error {
	return s.update(func(txn *badger.Txn, now time.Time) error {
		if err := s.gate.grant(txn, admin, role, account, now); err != nil {
			return err
		}

		slog.Info("role granted", "role", role, "account", account, "by", admin)
		return nil
	})
}

func (s *Server) Revoke(ctx context.Context, admin string, role Role, account string) error {
	return s.update(func(txn *badger.Txn, now time.Time) error {
		if err := s.gate.revoke(txn, admin, role, account); err != nil {
			return err
		}

		slog.Info("role revoked", "role", role, "account", account, "by", admin)
		return nil
	})
}

func (s *Server) HasRole(ctx context.Context, role Role, account string) (bool, error) {
	var ok bool
	err := s.view(func(txn *badger.Txn) (err error) {
		ok, err = s.gate.Has(txn, role, account)
		return
	})

	return ok, err
}

func (s *Server) Members(ctx context.Context, role Role) ([]string, error) {
	var accounts []string
	err := s.view(func(txn *badger.Txn) (err error) {
		accounts, err = listGrants(txn, role)
		return
	})

	return accounts, err
}

// balances

func (s *Server) Balances(ctx context.Context) (Balances, error) {
	var b Balances
	err := s.view(func(txn *badger.Txn) (err error) {
		b, err = loadBalances(txn)
		return
	})

	return b, err
}

func (s *Server) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := s.Balances(ctx)
	return b.Total, err
}

func (s *Server) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := s.Balances(ctx)
	return b.Available(), err
}

// LockedAmount returns the aggregate amount locked across all requests.
func (s *Server) LockedAmount(ctx context.Context) (decimal.Decimal, error) {
	b, err := s.Balances(ctx)
	return b.Locked, err
}

func (s *Server) RequestLock(ctx context.Context, id uint64) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := s.view(func(txn *badger.Txn) (err error) {
		amount, err = findLock(txn, id)
		return
	})

	return amount, err
}

// Deposit pulls amount from the caller into custody. The caller must have
// approved the custody account on the asset ledger beforehand. Ledgers that
// keep their own state in the same badger DB find the operation's
// transaction in ctx so a failed deposit rolls it back too.
func (s *Server) Deposit(ctx context.Context, caller string, amount decimal.Decimal) error {
	return s.update(func(txn *badger.Txn, now time.Time) error {
		if amount.LessThan(s.cfg.Policy.MinDeposit) || !amount.IsPositive() {
			return fmt.Errorf("%w: deposit %s below minimum %s", ErrInvalidAmount, amount, s.cfg.Policy.MinDeposit)
		}

		if caller == "" {
			return ErrZeroAddress
		}

		if err := checkBlocked(ctx, s.ledger, caller); err != nil {
			return err
		}

		balance, err := s.ledger.BalanceOf(ctx, caller)
		if err != nil {
			return fmt.Errorf("%w: balance of %s: %w", ErrTransferFailed, caller, err)
		}

		if balance.LessThan(amount) {
			return fmt.Errorf("%w: %s holds %s", ErrInsufficientBalance, caller, balance)
		}

		ledger, err := openLedger(txn, s.cfg.Policy)
		if err != nil {
			return err
		}

		seq, err := nextSequence(txn, depositSeqProperty)
		if err != nil {
			return err
		}

		trace := traceID(s.cfg.Instance, "deposit", seq)
		if err := s.ledger.TransferFrom(withTxn(ctx, txn), caller, s.cfg.Custody, amount, trace); err != nil {
			slog.Error("deposit transfer failed", "from", caller, "amount", amount, slog.Any("err", err))
			return fmt.Errorf("%w: deposit from %s: %w", ErrTransferFailed, caller, err)
		}

		if err := ledger.recordDeposit(amount); err != nil {
			return err
		}

		slog.Info("deposit", "from", caller, "amount", amount, "total", ledger.state.Total, "trace", trace)
		return nil
	})
}
