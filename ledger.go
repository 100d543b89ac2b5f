package treasury

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
)

const ledgerProperty = "ledger"

// Balances is the custody ledger's view of the funds it holds.
type Balances struct {
	Total  decimal.Decimal `json:"total"`
	Locked decimal.Decimal `json:"locked"`
}

func (b Balances) Available() decimal.Decimal {
	if avail := b.Total.Sub(b.Locked); avail.IsPositive() {
		return avail
	}

	return decimal.Zero
}

// fundLedger applies ledger mutations inside one write transaction. The
// scalars are loaded once and written back by every mutation, so the
// per-request locks and the aggregate stay in the same commit.
type fundLedger struct {
	txn    *badger.Txn
	policy Policy
	state  Balances
}

func loadBalances(txn *badger.Txn) (Balances, error) {
	var b Balances
	_, err := readProperty(txn, ledgerProperty, &b)
	return b, err
}

func openLedger(txn *badger.Txn, policy Policy) (*fundLedger, error) {
	state, err := loadBalances(txn)
	if err != nil {
		return nil, err
	}

	return &fundLedger{txn: txn, policy: policy, state: state}, nil
}

func (l *fundLedger) save() error {
	return saveProperty(l.txn, ledgerProperty, l.state)
}

// reserveCheck is the creation-time check: only availability counts here,
// the locked percentage cap is applied when the request is locked.
func (l *fundLedger) reserveCheck(amount decimal.Decimal) error {
	if avail := l.state.Available(); amount.GreaterThan(avail) {
		return fmt.Errorf("%w: need %s, available %s", ErrInsufficientAvailableBalance, amount, avail)
	}

	return nil
}

// lock reserves amount for request id. A request is locked at most once.
func (l *fundLedger) lock(id uint64, amount decimal.Decimal) error {
	current, err := findLock(l.txn, id)
	if err != nil {
		return err
	}

	if current.IsPositive() {
		return fmt.Errorf("%w: request %d already locked", ErrInvalidStatus, id)
	}

	locked := l.state.Locked.Add(amount)
	if limit := l.state.Total.Mul(l.policy.MaxLockedPercentage); locked.GreaterThan(limit) {
		return fmt.Errorf("%w: %s of %s would be locked, limit %s", ErrMaxLockedPercentageExceeded, locked, l.state.Total, limit)
	}

	if err := saveLock(l.txn, id, amount); err != nil {
		return err
	}

	l.state.Locked = locked
	return l.save()
}

// unlock releases whatever is locked for id and returns it. Unlocking an
// unlocked request is a no-op.
func (l *fundLedger) unlock(id uint64) (decimal.Decimal, error) {
	amount, err := findLock(l.txn, id)
	if err != nil {
		return decimal.Zero, err
	}

	if !amount.IsPositive() {
		return decimal.Zero, nil
	}

	if err := saveLock(l.txn, id, decimal.Zero); err != nil {
		return decimal.Zero, err
	}

	l.state.Locked = l.state.Locked.Sub(amount)
	return amount, l.save()
}

// settle books one confirmed outbound transfer of a locked request: the
// lock shrinks and the funds leave the total.
func (l *fundLedger) settle(id uint64, amount decimal.Decimal) error {
	current, err := findLock(l.txn, id)
	if err != nil {
		return err
	}

	if amount.GreaterThan(current) {
		return fmt.Errorf("%w: settle %s over lock %s on request %d", ErrInvalidAmount, amount, current, id)
	}

	if err := saveLock(l.txn, id, current.Sub(amount)); err != nil {
		return err
	}

	l.state.Locked = l.state.Locked.Sub(amount)
	return l.recordDistribution(amount)
}

func (l *fundLedger) recordDeposit(amount decimal.Decimal) error {
	if amount.LessThan(l.policy.MinDeposit) || !amount.IsPositive() {
		return fmt.Errorf("%w: deposit %s below minimum %s", ErrInvalidAmount, amount, l.policy.MinDeposit)
	}

	l.state.Total = l.state.Total.Add(amount)
	return l.save()
}

func (l *fundLedger) recordDistribution(amount decimal.Decimal) error {
	if amount.GreaterThan(l.state.Total) {
		return fmt.Errorf("%w: distribute %s of %s", ErrInsufficientBalance, amount, l.state.Total)
	}

	l.state.Total = l.state.Total.Sub(amount)
	return l.save()
}

// sweep empties the ledger, dropping every lock, and returns what it held.
func (l *fundLedger) sweep() (decimal.Decimal, error) {
	locks, err := listLocks(l.txn)
	if err != nil {
		return decimal.Zero, err
	}

	for id := range locks {
		if err := saveLock(l.txn, id, decimal.Zero); err != nil {
			return decimal.Zero, err
		}
	}

	total := l.state.Total
	l.state = Balances{}
	return total, l.save()
}
