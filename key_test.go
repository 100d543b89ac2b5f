package treasury

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildIndexKey(t *testing.T) {
	a := buildIndexKey(requestPrefix, uint64(1))
	b := buildIndexKey(requestPrefix, uint64(2))

	assert.True(t, bytes.HasPrefix(a, requestPrefix))
	assert.Equal(t, -1, bytes.Compare(a, b))
	assert.Equal(t, -1, bytes.Compare(b, prefixEnd(requestPrefix)))
	assert.Equal(t, "r:", string(requestPrefix), "prefix must not be modified")

	var id uint64
	require.NoError(t, decodeIndexKey(b, requestPrefix, &id))
	assert.Equal(t, uint64(2), id)

	var (
		role    uint8
		account string
	)
	require.NoError(t, decodeIndexKey(roleKey(RoleDirector, "dir"), rolePrefix, &role, &account))
	assert.Equal(t, uint8(RoleDirector), role)
	assert.Equal(t, "dir", account)
}

func TestTraceIDStable(t *testing.T) {
	subject := Subject{Kind: SubjectRequest, ID: 1}
	assert.Equal(t, traceID("x", subject, "bob"), traceID("x", subject, "bob"))
	assert.NotEqual(t, traceID("x", subject, "bob"), traceID("x", subject, "carol"))
	assert.NotEqual(t, traceID("x", subject, "bob"), traceID("y", subject, "bob"))
}
