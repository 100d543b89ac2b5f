package treasury

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitmentHashBindsEveryField(t *testing.T) {
	subject := Subject{Kind: SubjectRequest, ID: 7}
	domain := DomainSeparator("a", SubjectRequest)
	base := CommitmentHash("alice", subject, domain, []byte("n"))

	assert.Equal(t, base, CommitmentHash("alice", subject, domain, []byte("n")))
	assert.NotEqual(t, base, CommitmentHash("bob", subject, domain, []byte("n")))
	assert.NotEqual(t, base, CommitmentHash("alice", Subject{Kind: SubjectRequest, ID: 8}, domain, []byte("n")))
	assert.NotEqual(t, base, CommitmentHash("alice", Subject{Kind: SubjectClosure, ID: 7}, domain, []byte("n")))
	assert.NotEqual(t, base, CommitmentHash("alice", subject, DomainSeparator("b", SubjectRequest), []byte("n")))
	assert.NotEqual(t, base, CommitmentHash("alice", subject, domain, []byte("m")))

	// the length prefix keeps approver and nonce from sliding into each other
	assert.NotEqual(t,
		CommitmentHash("ab", subject, domain, []byte("c")),
		CommitmentHash("a", subject, domain, []byte("bc")),
	)
}

func TestDomainSeparator(t *testing.T) {
	assert.NotEqual(t, DomainSeparator("x", SubjectRequest), DomainSeparator("x", SubjectClosure))
	assert.NotEqual(t, DomainSeparator("x", SubjectRequest), DomainSeparator("y", SubjectRequest))
	assert.False(t, DomainSeparator("x", SubjectRequest).IsZero())
}

func TestHashText(t *testing.T) {
	h := DomainSeparator("x", SubjectRequest)

	b, err := h.MarshalText()
	require.NoError(t, err)

	var got Hash
	require.NoError(t, got.UnmarshalText(b))
	assert.Equal(t, h, got)

	_, err = ParseHash("zz")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseHash("abcd")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCommitReveal(t *testing.T) {
	db := openTestDB(t)
	cms := commitments{instance: testInstance, delay: 30 * time.Minute}
	subject := Subject{Kind: SubjectRequest, ID: 1}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	update := func(fn func(txn *badger.Txn) error) error {
		return db.Update(fn)
	}

	t.Run("reveal without commit", func(t *testing.T) {
		err := update(func(txn *badger.Txn) error {
			return cms.reveal(txn, subject, "alice", testNonce("alice"), at)
		})
		assert.ErrorIs(t, err, ErrInvalidCommitment)
	})

	t.Run("empty hash", func(t *testing.T) {
		err := update(func(txn *badger.Txn) error {
			return cms.commit(txn, subject, "alice", Hash{}, at)
		})
		assert.ErrorIs(t, err, ErrInvalidCommitment)
	})

	require.NoError(t, update(func(txn *badger.Txn) error {
		return cms.commit(txn, subject, "alice", testHash("alice", subject), at)
	}))

	t.Run("too early", func(t *testing.T) {
		err := update(func(txn *badger.Txn) error {
			return cms.reveal(txn, subject, "alice", testNonce("alice"), at.Add(30*time.Minute-time.Second))
		})
		assert.ErrorIs(t, err, ErrRevealTooEarly)
	})

	t.Run("wrong nonce", func(t *testing.T) {
		err := update(func(txn *badger.Txn) error {
			return cms.reveal(txn, subject, "alice", []byte("guess"), at.Add(time.Hour))
		})
		assert.ErrorIs(t, err, ErrInvalidCommitment)
	})

	t.Run("replayed on another subject", func(t *testing.T) {
		other := Subject{Kind: SubjectClosure, ID: 1}
		err := update(func(txn *badger.Txn) error {
			if err := cms.commit(txn, other, "alice", testHash("alice", subject), at); err != nil {
				return err
			}

			return cms.reveal(txn, other, "alice", testNonce("alice"), at.Add(time.Hour))
		})
		assert.ErrorIs(t, err, ErrInvalidCommitment)
	})

	t.Run("at the delay", func(t *testing.T) {
		err := update(func(txn *badger.Txn) error {
			return cms.reveal(txn, subject, "alice", testNonce("alice"), at.Add(30*time.Minute))
		})
		require.NoError(t, err)

		// consumed
		err = update(func(txn *badger.Txn) error {
			return cms.reveal(txn, subject, "alice", testNonce("alice"), at.Add(time.Hour))
		})
		assert.ErrorIs(t, err, ErrInvalidCommitment)
	})
}

func TestRecommitRestartsDelay(t *testing.T) {
	db := openTestDB(t)
	cms := commitments{instance: testInstance, delay: 30 * time.Minute}
	subject := Subject{Kind: SubjectRequest, ID: 1}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return cms.commit(txn, subject, "alice", testHash("alice", subject), at)
	}))

	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return cms.commit(txn, subject, "alice", testHash("alice", subject), at.Add(20*time.Minute))
	}))

	err := db.Update(func(txn *badger.Txn) error {
		return cms.reveal(txn, subject, "alice", testNonce("alice"), at.Add(40*time.Minute))
	})
	assert.ErrorIs(t, err, ErrRevealTooEarly)
}
