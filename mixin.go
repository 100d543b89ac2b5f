package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/fox-one/mixin-sdk-go"
	"github.com/shopspring/decimal"
)

const snapshotOffsetProperty = "mixin_snapshot_offset"

var errNoCredit = errors.New("no deposit credit")

// MixinLedger keeps custody in a Mixin bot wallet. Mixin has no allowances,
// so a depositor first transfers to the custody bot; LoopSnapshots credits
// each incoming transfer to its sender and TransferFrom consumes that
// credit. BalanceOf returns the bot's balance for the custody account and
// the unconsumed credit for everyone else.
type MixinLedger struct {
	db      *badger.DB
	client  *mixin.Client
	assetID string
	pin     string
}

func NewMixinLedger(db *badger.DB, client *mixin.Client, assetID, pin string) *MixinLedger {
	return &MixinLedger{
		db:      db,
		client:  client,
		assetID: assetID,
		pin:     pin,
	}
}

func (m *MixinLedger) Custody() string {
	return m.client.ClientID
}

func (m *MixinLedger) Transfer(ctx context.Context, to string, amount decimal.Decimal, traceID string) error {
	_, err := m.client.Transfer(ctx, &mixin.TransferInput{
		AssetID:    m.assetID,
		OpponentID: to,
		Amount:     amount,
		TraceID:    traceID,
		Memo:       "treasury",
	}, m.pin)

	if err != nil {
		return fmt.Errorf("mixin transfer %s to %s: %w", amount, to, err)
	}

	return nil
}

// TransferFrom consumes the depositor's credit. Inside a server operation
// the credit is spent in that operation's transaction, so a rolled back
// deposit leaves the credit untouched.
func (m *MixinLedger) TransferFrom(ctx context.Context, from, to string, amount decimal.Decimal, traceID string) error {
	if to != m.client.ClientID {
		return fmt.Errorf("mixin: pull transfers only into %s", m.client.ClientID)
	}

	if txn, ok := txnFrom(ctx); ok {
		return spendCredit(txn, from, amount)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		return spendCredit(txn, from, amount)
	})
}

func (m *MixinLedger) BalanceOf(ctx context.Context, account string) (decimal.Decimal, error) {
	if account != m.client.ClientID {
		var credit decimal.Decimal
		err := m.db.View(func(txn *badger.Txn) (err error) {
			credit, err = findCredit(txn, account)
			return
		})

		return credit, err
	}

	var asset *mixin.Asset
	op := func() (err error) {
		asset, err = m.client.ReadAsset(ctx, m.assetID)
		return
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return decimal.Zero, fmt.Errorf("mixin read asset %s: %w", m.assetID, err)
	}

	return asset.Balance, nil
}

// LoopSnapshots polls the bot's snapshots and credits incoming transfers.
func (m *MixinLedger) LoopSnapshots(ctx context.Context) error {
	for {
		_ = m.loopSnapshots(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (m *MixinLedger) loopSnapshots(ctx context.Context) error {
	var offset time.Time
	if err := ReadProperty(m.db, snapshotOffsetProperty, &offset); err != nil {
		return err
	}

	const limit = 500
	snapshots, err := m.client.ReadSnapshots(ctx, m.assetID, offset, "ASC", limit)
	if err != nil {
		slog.Error("ReadSnapshots", "err", err)
		return err
	}

	if len(snapshots) == 0 {
		return nil
	}

	txn := m.db.NewTransaction(true)
	defer txn.Discard()

	offset, err = applySnapshots(txn, snapshots)
	if err != nil {
		return err
	}

	// move past the last snapshot
	if err := saveProperty(txn, snapshotOffsetProperty, offset.Add(time.Nanosecond)); err != nil {
		return err
	}

	return txn.Commit()
}

// applySnapshots credits every incoming transfer to its sender and returns
// the time of the last snapshot.
func applySnapshots(txn *badger.Txn, snapshots []*mixin.Snapshot) (time.Time, error) {
	var offset time.Time
	for _, snapshot := range snapshots {
		offset = snapshot.CreatedAt

		if !snapshot.Amount.IsPositive() || snapshot.OpponentID == "" {
			continue
		}

		credit, err := findCredit(txn, snapshot.OpponentID)
		if err != nil {
			return offset, err
		}

		if err := saveCredit(txn, snapshot.OpponentID, credit.Add(snapshot.Amount)); err != nil {
			return offset, err
		}

		slog.Info("deposit credited", "from", snapshot.OpponentID, "amount", snapshot.Amount, "snapshot", snapshot.SnapshotID)
	}

	return offset, nil
}

func spendCredit(txn *badger.Txn, account string, amount decimal.Decimal) error {
	credit, err := findCredit(txn, account)
	if err != nil {
		return err
	}

	if credit.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s", errNoCredit, account, credit)
	}

	return saveCredit(txn, account, credit.Sub(amount))
}

func findCredit(txn *badger.Txn, account string) (decimal.Decimal, error) {
	var credit decimal.Decimal
	_, err := readJSON(txn, buildIndexKey(creditPrefix, account), &credit)
	return credit, err
}

func saveCredit(txn *badger.Txn, account string, credit decimal.Decimal) error {
	key := buildIndexKey(creditPrefix, account)
	if !credit.IsPositive() {
		return txn.Delete(key)
	}

	return writeJSON(txn, key, credit)
}
