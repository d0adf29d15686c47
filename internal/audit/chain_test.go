package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/secmon/internal/logging"
	"github.com/mbd888/secmon/internal/retry"
	"github.com/mbd888/secmon/internal/storage"
	"github.com/mbd888/secmon/internal/validation"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// tickingClock advances one second per call.
func tickingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return t0.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func newTestChain(store Store, opts ...Option) *Chain {
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithClock(tickingClock()),
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}),
	}, opts...)
	return NewChain(store, opts...)
}

func appendN(t *testing.T, c *Chain, n int, user string) []*Entry {
	t.Helper()
	out := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := c.LogAction(context.Background(), Action{
			UserID:       user,
			Action:       "update_profile",
			ResourceType: "user",
			ResourceID:   user,
			Details:      map[string]any{"seq": i},
			IPAddress:    "10.0.0.1",
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// tamper edits a stored entry in place, bypassing the chain.
func tamper(s *MemoryStore, id int64, edit func(e *Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	edit(s.entries[id-1])
}

func TestLogAction_LinksEntries(t *testing.T) {
	store := NewMemoryStore()
	c := newTestChain(store)

	entries := appendN(t, c, 3, "alice")

	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, "", entries[0].PreviousHash)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, int64(i+1), entries[i].ID)
		assert.Equal(t, entries[i-1].CurrentHash, entries[i].PreviousHash)
	}
	for _, e := range entries {
		assert.Len(t, e.CurrentHash, 64)
		assert.Equal(t, ComputeHash(e), e.CurrentHash)
	}
	assert.Equal(t, `{"seq":0}`, entries[0].Details)
}

func TestVerifyIntegrity_SequentialAppendsAreIntact(t *testing.T) {
	for _, n := range []int{0, 1, 7, 25} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			c := newTestChain(NewMemoryStore(), WithVerifyBatch(4))
			appendN(t, c, n, "alice")

			report, err := c.VerifyIntegrity(context.Background(), "")
			require.NoError(t, err)
			assert.True(t, report.Intact)
			assert.Empty(t, report.BrokenIDs)
			assert.NotNil(t, report.BrokenIDs)
			assert.Equal(t, n, report.Checked)
			assert.NoError(t, report.Err())
		})
	}
}

func TestVerifyIntegrity_DetectsMutations(t *testing.T) {
	mutations := map[string]func(e *Entry){
		"action":        func(e *Entry) { e.Action = "delete_everything" },
		"details":       func(e *Entry) { e.Details = `{"seq":99}` },
		"previous_hash": func(e *Entry) { e.PreviousHash = "deadbeef" },
	}
	policies := map[AnchorPolicy][]int64{
		AnchorLastGood:   {3, 4, 5},
		AnchorStoredHash: {3},
	}

	for field, edit := range mutations {
		for policy, want := range policies {
			t.Run(field+"/"+string(policy), func(t *testing.T) {
				store := NewMemoryStore()
				c := newTestChain(store, WithAnchorPolicy(policy), WithVerifyBatch(2))
				appendN(t, c, 5, "alice")

				tamper(store, 3, edit)

				report, err := c.VerifyIntegrity(context.Background(), "")
				require.NoError(t, err)
				assert.False(t, report.Intact)
				assert.Equal(t, want, report.BrokenIDs)
				assert.Equal(t, int64(3), report.FirstBreakID)
				assert.Contains(t, report.HashMismatches, int64(3))
				assert.Equal(t, policy, report.Policy)
				assert.ErrorIs(t, report.Err(), ErrChainCorrupted)
			})
		}
	}
}

func TestVerifyIntegrity_RecomputedHashStillBreaksLink(t *testing.T) {
	// An attacker who rewrites an entry and its own hash still breaks the
	// link from the next entry.
	store := NewMemoryStore()
	c := newTestChain(store, WithAnchorPolicy(AnchorStoredHash))
	appendN(t, c, 4, "alice")

	tamper(store, 2, func(e *Entry) {
		e.Action = "grant_admin"
		e.CurrentHash = ComputeHash(e)
	})

	report, err := c.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, report.BrokenIDs)
	assert.Equal(t, []int64{3}, report.LinkBreaks)
	assert.Empty(t, report.HashMismatches)
}

func TestScenarioD_VerifyIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	c := newTestChain(store)
	appendN(t, c, 6, "alice")

	first, err := c.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	second, err := c.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 6, store.Len())

	tamper(store, 2, func(e *Entry) { e.Action = "x" })
	first, err = c.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	second, err = c.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVerifyIntegrity_UserScope(t *testing.T) {
	store := NewMemoryStore()
	c := newTestChain(store, WithAnchorPolicy(AnchorStoredHash))
	ctx := context.Background()

	for i, user := range []string{"alice", "bob", "alice", "bob", "alice"} {
		_, err := c.LogAction(ctx, Action{UserID: user, Action: "view", Details: map[string]int{"i": i}})
		require.NoError(t, err)
	}
	tamper(store, 2, func(e *Entry) { e.Action = "edit" })

	alice, err := c.VerifyIntegrity(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, alice.Intact)
	assert.Equal(t, 3, alice.Checked)
	assert.Equal(t, "alice", alice.UserID)

	bob, err := c.VerifyIntegrity(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, bob.Intact)
	assert.Equal(t, []int64{2}, bob.BrokenIDs)
	assert.Equal(t, 2, bob.Checked)
}

func TestAppendsContinueOverBrokenChain(t *testing.T) {
	store := NewMemoryStore()
	c := newTestChain(store)
	appendN(t, c, 3, "alice")
	tamper(store, 3, func(e *Entry) { e.Action = "x" })

	e, err := c.LogAction(context.Background(), Action{UserID: "alice", Action: "login"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.ID)

	stored, err := store.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, stored.CurrentHash, e.PreviousHash)
}

func TestConcurrentAppendsStayChained(t *testing.T) {
	store := NewMemoryStore()
	c := newTestChain(store)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.LogAction(ctx, Action{
				UserID: fmt.Sprintf("user-%d", i%5),
				Action: "transfer",
				Details: map[string]any{
					"i": i,
				},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, n, store.Len())
	report, err := c.VerifyIntegrity(ctx, "")
	require.NoError(t, err)
	assert.True(t, report.Intact, "broken: %v", report.BrokenIDs)
	assert.Equal(t, n, report.Checked)
}

func TestLogAction_IdempotencyKey(t *testing.T) {
	store := NewMemoryStore()
	c := newTestChain(store)
	ctx := context.Background()

	first, err := c.LogAction(ctx, Action{UserID: "alice", Action: "export", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	again, err := c.LogAction(ctx, Action{UserID: "alice", Action: "export", IdempotencyKey: "req-1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.CurrentHash, again.CurrentHash)
	assert.Equal(t, 1, store.Len())

	_, err = c.LogAction(ctx, Action{UserID: "alice", Action: "export"})
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())
}

// ambiguousStore commits the first write and then reports the store as
// unavailable, like a connection that drops before the reply arrives.
type ambiguousStore struct {
	*MemoryStore
	calls    atomic.Int32
	failures int32
}

func (s *ambiguousStore) Append(ctx context.Context, e *Entry, seal SealFunc) (*Entry, bool, error) {
	stored, created, err := s.MemoryStore.Append(ctx, e, seal)
	if s.calls.Add(1) <= s.failures {
		return nil, false, storage.Wrap("audit append", errors.New("connection reset"))
	}
	return stored, created, err
}

func TestLogAction_RetryDoesNotDoubleAppend(t *testing.T) {
	store := &ambiguousStore{MemoryStore: NewMemoryStore(), failures: 1}
	c := newTestChain(store)

	e, err := c.LogAction(context.Background(), Action{UserID: "alice", Action: "withdraw"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), store.calls.Load())
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, int64(1), e.ID)
}

func TestLogAction_RetriesExhausted(t *testing.T) {
	store := &ambiguousStore{MemoryStore: NewMemoryStore(), failures: 100}
	c := newTestChain(store)

	_, err := c.LogAction(context.Background(), Action{UserID: "alice", Action: "withdraw"})
	require.Error(t, err)
	assert.True(t, storage.IsUnavailable(err))
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, 1, store.Len())
}

type brokenStore struct {
	MemoryStore
	calls atomic.Int32
}

func (s *brokenStore) Append(context.Context, *Entry, SealFunc) (*Entry, bool, error) {
	s.calls.Add(1)
	return nil, false, errors.New("constraint violation")
}

func TestLogAction_OtherErrorsAreNotRetried(t *testing.T) {
	store := &brokenStore{}
	c := newTestChain(store)

	_, err := c.LogAction(context.Background(), Action{UserID: "alice", Action: "withdraw"})
	require.Error(t, err)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestLogAction_Validation(t *testing.T) {
	c := newTestChain(NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name string
		a    Action
	}{
		{"missing action", Action{UserID: "alice"}},
		{"bad ip", Action{UserID: "alice", Action: "view", IPAddress: "not-an-ip"}},
		{"unserializable details", Action{UserID: "alice", Action: "view", Details: make(chan int)}},
		{"malformed raw details", Action{UserID: "alice", Action: "view", Details: []byte(`{"a":`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.LogAction(ctx, tt.a)
			require.Error(t, err)
			assert.True(t, validation.IsValidationError(err), "got %v", err)
		})
	}
}

func TestLogAction_ClientInfoFromContext(t *testing.T) {
	c := newTestChain(NewMemoryStore())
	ctx := WithClientInfo(context.Background(), "192.0.2.7", "curl/8.0")

	e, err := c.LogAction(ctx, Action{UserID: "alice", Action: "view"})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", e.IPAddress)
	assert.Equal(t, "curl/8.0", e.UserAgent)

	e, err = c.LogAction(ctx, Action{UserID: "alice", Action: "view", IPAddress: "198.51.100.1", UserAgent: "app/2"})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", e.IPAddress)
	assert.Equal(t, "app/2", e.UserAgent)
}

func TestLogAction_TimestampTruncatedToMicroseconds(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 123456789, time.FixedZone("EST", -5*3600))
	c := newTestChain(NewMemoryStore(), WithClock(func() time.Time { return at }))

	e, err := c.LogAction(context.Background(), Action{UserID: "alice", Action: "view"})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.Equal(t, 123456000, e.Timestamp.Nanosecond())
	assert.Equal(t, ComputeHash(e), e.CurrentHash)
}

func TestConvenienceLoggers(t *testing.T) {
	c := newTestChain(NewMemoryStore())
	ctx := context.Background()

	sec, err := c.LogSecurityEvent(ctx, "alice", "account_locked", map[string]string{"reason": "failed_logins"})
	require.NoError(t, err)
	assert.Equal(t, EventTypeSecurity, sec.EventType)
	assert.Equal(t, "account_locked", sec.Action)
	assert.Equal(t, "account", sec.ResourceType)
	assert.Equal(t, "alice", sec.ResourceID)
	assert.Equal(t, "account:alice", sec.Resource)

	da, err := c.LogDataAccess(ctx, "alice", "statement", "st-9", "export", nil)
	require.NoError(t, err)
	assert.Equal(t, EventTypeDataAccess, da.EventType)
	assert.Equal(t, "export", da.Action)
	assert.Equal(t, "statement:st-9", da.Resource)
	assert.Equal(t, "", da.Details)
}

func TestQueryAndGet(t *testing.T) {
	c := newTestChain(NewMemoryStore())
	ctx := context.Background()
	appendN(t, c, 3, "alice")
	appendN(t, c, 2, "bob")

	bob, err := c.Query(ctx, ListFilter{UserID: "bob"})
	require.NoError(t, err)
	require.Len(t, bob, 2)
	assert.Equal(t, int64(4), bob[0].ID)

	newest, err := c.Query(ctx, ListFilter{Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, int64(5), newest[0].ID)
	assert.Equal(t, int64(4), newest[1].ID)

	page, err := c.Query(ctx, ListFilter{AfterID: 1, BeforeID: 4})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].ID)

	e, err := c.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "alice", e.UserID)

	_, err = c.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

type listFailStore struct{ MemoryStore }

func (*listFailStore) List(context.Context, ListFilter) ([]*Entry, error) {
	return nil, storage.Wrap("audit list", errors.New("timeout"))
}

func TestVerifyIntegrity_StoreError(t *testing.T) {
	c := newTestChain(&listFailStore{})
	_, err := c.VerifyIntegrity(context.Background(), "")
	require.Error(t, err)
	assert.True(t, storage.IsUnavailable(err))
}

func TestParseAnchorPolicy(t *testing.T) {
	p, err := ParseAnchorPolicy("")
	require.NoError(t, err)
	assert.Equal(t, AnchorLastGood, p)

	p, err = ParseAnchorPolicy("stored_hash")
	require.NoError(t, err)
	assert.Equal(t, AnchorStoredHash, p)

	_, err = ParseAnchorPolicy("newest")
	assert.Error(t, err)
}
