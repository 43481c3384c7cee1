package store_test

// Session store tests - capacity eviction and TTL expiry.
//
// The store's clock is swappable, so expiry and eviction ordering are
// exercised deterministically without sleeps.

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/completion-gateway/internal/store"
)

// TestStore_PutAndGet verifies basic round-trips.
func TestStore_PutAndGet(t *testing.T) {
	st := store.New(10, time.Hour)
	defer st.Close()

	st.Put("a", "value-a")
	v, ok := st.Get("a")
	require.True(t, ok)
	assert.Equal(t, "value-a", v)

	_, ok = st.Get("missing")
	assert.False(t, ok)
}

// TestStore_PutOverwrite verifies replacing a key does not grow the store.
func TestStore_PutOverwrite(t *testing.T) {
	st := store.New(10, time.Hour)
	defer st.Close()

	st.Put("a", "first")
	st.Put("a", "second")
	assert.Equal(t, 1, st.Len())

	v, ok := st.Get("a")
	require.True(t, ok)
	assert.Equal(t, "second", v)
}

// TestStore_EvictsOldestCreatedAtCapacity verifies that inserting past
// capacity removes the entry with the smallest creation time, regardless
// of access order.
func TestStore_EvictsOldestCreatedAtCapacity(t *testing.T) {
	st := store.New(3, time.Hour)
	defer st.Close()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		st.Put(fmt.Sprintf("k%d", i), i)
		clock = clock.Add(time.Minute)
	}

	// Touch the oldest entry so its last access is the freshest. Eviction
	// must still pick it: the policy is oldest-created, not LRU.
	_, ok := st.Get("k0")
	require.True(t, ok)

	st.Put("k3", 3)
	assert.Equal(t, 3, st.Len())

	_, ok = st.Get("k0")
	assert.False(t, ok, "oldest-created entry should be evicted")
	_, ok = st.Get("k1")
	assert.True(t, ok)
	_, ok = st.Get("k3")
	assert.True(t, ok)
}

// TestStore_ExpiresBeforeEvicting verifies that a Put at capacity expires
// stale entries first and only evicts when expiry freed nothing.
func TestStore_ExpiresBeforeEvicting(t *testing.T) {
	st := store.New(2, 10*time.Minute)
	defer st.Close()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return clock })

	st.Put("stale", 1)
	clock = clock.Add(time.Minute)
	st.Put("fresh", 2)

	// Advance past the TTL for "stale" only, then keep "fresh" alive.
	clock = clock.Add(10 * time.Minute)
	_, ok := st.Get("fresh")
	require.True(t, ok)

	st.Put("new", 3)

	_, ok = st.Get("stale")
	assert.False(t, ok, "stale entry should be expired, not merely evicted")
	_, ok = st.Get("fresh")
	assert.True(t, ok, "fresh entry should survive the capacity sweep")
	_, ok = st.Get("new")
	assert.True(t, ok)
}

// TestStore_GetRefreshesTTL verifies a read keeps an entry alive past its
// original expiry horizon.
func TestStore_GetRefreshesTTL(t *testing.T) {
	st := store.New(10, 10*time.Minute)
	defer st.Close()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return clock })

	st.Put("a", 1)

	// Read every 6 minutes: each access resets the 10-minute window.
	for i := 0; i < 5; i++ {
		clock = clock.Add(6 * time.Minute)
		_, ok := st.Get("a")
		require.True(t, ok, "access within TTL should refresh the window")
	}

	clock = clock.Add(11 * time.Minute)
	_, ok := st.Get("a")
	assert.False(t, ok, "entry past its refreshed TTL should read as absent")
}

// TestStore_CloseDropsEntries verifies Close empties the store and makes
// further writes no-ops.
func TestStore_CloseDropsEntries(t *testing.T) {
	st := store.New(10, time.Hour)
	st.Put("a", 1)
	st.Close()

	assert.Equal(t, 0, st.Len())
	st.Put("b", 2)
	assert.Equal(t, 0, st.Len())
}

// TestStore_ConversationRoundTrip verifies the conversation wrappers and
// their key namespacing.
func TestStore_ConversationRoundTrip(t *testing.T) {
	st := store.New(10, time.Hour)
	defer st.Close()

	assert.Nil(t, st.GetConversation("c1"))

	st.PutConversation(&store.ConversationSession{ConversationID: "c1"})
	sess := st.GetConversation("c1")
	require.NotNil(t, sess)
	assert.Equal(t, "c1", sess.ConversationID)

	// An extraction batch with the same raw id must not collide.
	_, err := st.GetExtraction("c1")
	assert.Error(t, err)

	st.RemoveConversation("c1")
	assert.Nil(t, st.GetConversation("c1"))
}

// TestStore_ExtractionLifecycle verifies create/get/remove for extraction
// batches and the not-found error.
func TestStore_ExtractionLifecycle(t *testing.T) {
	st := store.New(10, time.Hour)
	defer st.Close()

	id := st.CreateExtraction(
		[]string{"claim-1", "claim-2"},
		[]string{"ref-1", "ref-2"},
		[]string{"modelA+modelB"},
		map[string]interface{}{"source": "batch-7"},
	)
	require.NotEmpty(t, id)

	data, err := st.GetExtraction(id)
	require.NoError(t, err)
	assert.Equal(t, id, data.SessionID)
	assert.Len(t, data.Claims, 2)
	assert.Equal(t, []string{"ref-1", "ref-2"}, data.References)

	st.RemoveExtraction(id)
	_, err = st.GetExtraction(id)
	assert.ErrorContains(t, err, id)
}
