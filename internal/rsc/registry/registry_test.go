package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_NewComponentStartsRegistered(t *testing.T) {
	r := New()
	c := r.Register("app/page", "export default () => null", "// transformed", nil)
	assert.Equal(t, StateRegistered, c.LoadState)
	assert.False(t, c.HasLastGood)
}

func TestRegister_PreservesLastGoodAfterLoaded(t *testing.T) {
	r := New()
	r.Register("app/page", "src-v1", "transformed-v1", nil)
	require.NoError(t, r.MarkLoaded("app/page"))

	c := r.Register("app/page", "src-v2", "transformed-v2", nil)
	assert.True(t, c.HasLastGood)
	assert.Equal(t, "transformed-v1", c.LastGoodSource)
}

func TestMarkFailed_NeverDropsLastGood(t *testing.T) {
	r := New()
	r.Register("app/page", "src-v1", "transformed-v1", nil)
	require.NoError(t, r.MarkLoaded("app/page"))
	r.Register("app/page", "bad-src", "bad-transform", nil)

	require.NoError(t, r.MarkFailed("app/page"))

	c, ok := r.Get("app/page")
	require.True(t, ok)
	assert.Equal(t, StateFailed, c.LoadState)
	last, hasLast := r.LastGood("app/page")
	assert.True(t, hasLast)
	assert.Equal(t, "transformed-v1", last)
}

func TestMarkLoaded_UnregisteredReturnsStateError(t *testing.T) {
	r := New()
	err := r.MarkLoaded("nope")
	require.Error(t, err)
}

func TestRemove_DestroysEntry(t *testing.T) {
	r := New()
	r.Register("app/page", "src", "transformed", nil)
	r.Remove("app/page")
	assert.False(t, r.IsRegistered("app/page"))
}

func TestList_ReturnsAllIDs(t *testing.T) {
	r := New()
	r.Register("a", "s", "t", nil)
	r.Register("b", "s", "t", nil)
	assert.ElementsMatch(t, []string{"a", "b"}, r.List())
}
