package memory

import (
	"testing"

	"github.com/adwski/signal-relay/backend/model/modeltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry()
	alice := modeltest.NewEndpoint("alice")

	_, replaced := r.Register("alice", alice)
	assert.False(t, replaced)

	ep, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, alice, ep)

	_, ok = r.Lookup("bob")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReplaceDoesNotClose(t *testing.T) {
	r := NewRegistry()
	old := modeltest.NewEndpoint("alice")
	fresh := modeltest.NewEndpoint("alice")

	r.Register("alice", old)
	prev, replaced := r.Register("alice", fresh)
	require.True(t, replaced)
	assert.Same(t, old, prev)
	assert.True(t, old.Open(), "replaced endpoint must not be closed implicitly")

	ep, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, fresh, ep)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveIf(t *testing.T) {
	r := NewRegistry()
	old := modeltest.NewEndpoint("alice")
	fresh := modeltest.NewEndpoint("alice")
	r.Register("alice", old)
	r.Register("alice", fresh)

	assert.False(t, r.RemoveIf("alice", old))
	_, ok := r.Lookup("alice")
	assert.True(t, ok)

	assert.True(t, r.RemoveIf("alice", fresh))
	_, ok = r.Lookup("alice")
	assert.False(t, ok)
}

func TestRegistry_LookupOpen(t *testing.T) {
	r := NewRegistry()
	alice := modeltest.NewEndpoint("alice")
	r.Register("alice", alice)

	_, ok := r.LookupOpen("alice")
	assert.True(t, ok)

	alice.Drop()
	_, ok = r.LookupOpen("alice")
	assert.False(t, ok)
	_, ok = r.Lookup("alice")
	assert.True(t, ok, "closed endpoint stays registered until removed")
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"carol", "alice", "bob"} {
		r.Register(id, modeltest.NewEndpoint(id))
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Snapshot())

	r.Remove("bob")
	assert.Equal(t, []string{"alice", "carol"}, r.Snapshot())
	assert.Empty(t, NewRegistry().Snapshot())
}
