package treasury

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	g "github.com/pandodao/generic"
	"github.com/shopspring/decimal"
)

func readJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}

		return false, err
	}

	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, err
	}

	return true, nil
}

func writeJSON(txn *badger.Txn, key []byte, v any) error {
	return txn.Set(key, g.Must(json.Marshal(v)))
}

// properties

func readProperty(txn *badger.Txn, name string, v any) (bool, error) {
	return readJSON(txn, buildIndexKey(propertyPrefix, name), v)
}

func saveProperty(txn *badger.Txn, name string, v any) error {
	return writeJSON(txn, buildIndexKey(propertyPrefix, name), v)
}

func ReadProperty(db *badger.DB, name string, v any) error {
	return db.View(func(txn *badger.Txn) error {
		_, err := readProperty(txn, name, v)
		return err
	})
}

// nextSequence increments and returns the named counter, starting at 1.
func nextSequence(txn *badger.Txn, name string) (uint64, error) {
	var seq uint64
	if _, err := readProperty(txn, name, &seq); err != nil {
		return 0, err
	}

	seq++
	if err := saveProperty(txn, name, seq); err != nil {
		return 0, err
	}

	return seq, nil
}

// requests

func saveRequest(txn *badger.Txn, req *Request) error {
	return writeJSON(txn, buildIndexKey(requestPrefix, req.ID), req)
}

func findRequest(txn *badger.Txn, id uint64) (*Request, error) {
	var req Request
	ok, err := readJSON(txn, buildIndexKey(requestPrefix, id), &req)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrRequestNotFound
	}

	return &req, nil
}

// listRequests walks requests from the newest down, starting below before
// (0 means from the newest).
func listRequests(txn *badger.Txn, before uint64, limit int) ([]*Request, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = limit
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	if before == 0 {
		it.Seek(prefixEnd(requestPrefix))
	} else {
		it.Seek(buildIndexKey(requestPrefix, before-1))
	}

	var requests []*Request
	for ; it.ValidForPrefix(requestPrefix) && len(requests) < limit; it.Next() {
		var req Request
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &req)
		}); err != nil {
			return nil, err
		}

		requests = append(requests, &req)
	}

	return requests, nil
}

// commitments

func commitmentKey(subject Subject, approver string) []byte {
	return buildIndexKey(commitmentPrefix, uint8(subject.Kind), subject.ID, approver)
}

func saveCommitment(txn *badger.Txn, subject Subject, approver string, c *Commitment) error {
	return writeJSON(txn, commitmentKey(subject, approver), c)
}

func findCommitment(txn *badger.Txn, subject Subject, approver string) (*Commitment, error) {
	var c Commitment
	ok, err := readJSON(txn, commitmentKey(subject, approver), &c)
	if err != nil || !ok {
		return nil, err
	}

	return &c, nil
}

func deleteCommitment(txn *badger.Txn, subject Subject, approver string) error {
	return txn.Delete(commitmentKey(subject, approver))
}

// locks

func findLock(txn *badger.Txn, id uint64) (decimal.Decimal, error) {
	var amount decimal.Decimal
	_, err := readJSON(txn, buildIndexKey(lockPrefix, id), &amount)
	return amount, err
}

func saveLock(txn *badger.Txn, id uint64, amount decimal.Decimal) error {
	key := buildIndexKey(lockPrefix, id)
	if !amount.IsPositive() {
		return txn.Delete(key)
	}

	return writeJSON(txn, key, amount)
}

func listLocks(txn *badger.Txn) (map[uint64]decimal.Decimal, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	locks := map[uint64]decimal.Decimal{}
	for it.Seek(lockPrefix); it.ValidForPrefix(lockPrefix); it.Next() {
		item := it.Item()

		var id uint64
		if err := decodeIndexKey(item.Key(), lockPrefix, &id); err != nil {
			return nil, err
		}

		var amount decimal.Decimal
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &amount)
		}); err != nil {
			return nil, err
		}

		locks[id] = amount
	}

	return locks, nil
}

// closures

func saveClosure(txn *badger.Txn, c *Closure) error {
	return writeJSON(txn, buildIndexKey(closurePrefix, c.ID), c)
}

func findClosure(txn *badger.Txn, id uint64) (*Closure, error) {
	var c Closure
	ok, err := readJSON(txn, buildIndexKey(closurePrefix, id), &c)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrClosureNotFound
	}

	return &c, nil
}

// roles

type grant struct {
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}

func roleKey(role Role, account string) []byte {
	return buildIndexKey(rolePrefix, uint8(role), account)
}

func saveGrant(txn *badger.Txn, role Role, account string, gr *grant) error {
	return writeJSON(txn, roleKey(role, account), gr)
}

func deleteGrant(txn *badger.Txn, role Role, account string) error {
	return txn.Delete(roleKey(role, account))
}

func hasGrant(txn *badger.Txn, role Role, account string) (bool, error) {
	_, err := txn.Get(roleKey(role, account))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}

	return err == nil, err
}

func listGrants(txn *badger.Txn, role Role) ([]string, error) {
	prefix := buildIndexKey(rolePrefix, uint8(role))

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var accounts []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var (
			r       uint8
			account string
		)

		if err := decodeIndexKey(it.Item().Key(), rolePrefix, &r, &account); err != nil {
			return nil, err
		}

		accounts = append(accounts, account)
	}

	return accounts, nil
}
