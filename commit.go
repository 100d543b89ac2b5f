package treasury

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/sha3"
)

type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}

	*h = v
	return nil
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("%w: malformed hash", ErrInvalidInput)
	}

	copy(h[:], b)
	return h, nil
}

type SubjectKind uint8

const (
	SubjectRequest SubjectKind = iota + 1
	SubjectClosure
)

func (k SubjectKind) String() string {
	switch k {
	case SubjectRequest:
		return "request"
	case SubjectClosure:
		return "closure"
	default:
		return fmt.Sprintf("subject(%d)", uint8(k))
	}
}

// Subject identifies what an approver commits to.
type Subject struct {
	Kind SubjectKind
	ID   uint64
}

func (s Subject) String() string {
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

func keccak(chunks ...[]byte) Hash {
	var h Hash
	d := sha3.NewLegacyKeccak256()
	for _, c := range chunks {
		d.Write(c)
	}

	d.Sum(h[:0])
	return h
}

// DomainSeparator binds commitments to one treasury instance and one kind
// of subject.
func DomainSeparator(instance string, kind SubjectKind) Hash {
	return keccak([]byte("treasury.commit.v1"), []byte(instance), []byte{byte(kind)})
}

// CommitmentHash is the value an approver commits before revealing nonce.
// Clients compute the same value off-line.
func CommitmentHash(approver string, subject Subject, domain Hash, nonce []byte) Hash {
	var head [2]byte
	binary.BigEndian.PutUint16(head[:], uint16(len(approver)))

	var id [9]byte
	id[0] = byte(subject.Kind)
	binary.BigEndian.PutUint64(id[1:], subject.ID)

	return keccak(head[:], []byte(approver), id[:], domain[:], nonce)
}

type commitments struct {
	instance string
	delay    time.Duration
}

func (c commitments) hash(approver string, subject Subject, nonce []byte) Hash {
	return CommitmentHash(approver, subject, DomainSeparator(c.instance, subject.Kind), nonce)
}

// commit records hash for (subject, approver), replacing any earlier
// commitment and restarting its reveal timer.
func (c commitments) commit(txn *badger.Txn, subject Subject, approver string, hash Hash, now time.Time) error {
	if hash.IsZero() {
		return fmt.Errorf("%w: empty commitment", ErrInvalidCommitment)
	}

	return saveCommitment(txn, subject, approver, &Commitment{
		Hash:        hash,
		CommittedAt: now,
	})
}

// reveal checks nonce against the stored commitment and consumes it.
func (c commitments) reveal(txn *badger.Txn, subject Subject, approver string, nonce []byte, now time.Time) error {
	cm, err := findCommitment(txn, subject, approver)
	if err != nil {
		return err
	}

	if cm == nil {
		return fmt.Errorf("%w: no commitment for %s by %s", ErrInvalidCommitment, subject, approver)
	}

	if now.Before(cm.CommittedAt.Add(c.delay)) {
		return fmt.Errorf("%w: revealable at %s", ErrRevealTooEarly, cm.CommittedAt.Add(c.delay).Format(time.RFC3339))
	}

	if c.hash(approver, subject, nonce) != cm.Hash {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidCommitment)
	}

	return deleteCommitment(txn, subject, approver)
}
