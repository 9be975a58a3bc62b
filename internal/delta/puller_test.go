package delta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/store/storetest"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newUser(t *testing.T, st *store.Store, partnerID string, started bool) *store.RemoteUser {
	t.Helper()
	user, err := st.Users.Create(context.Background(), store.RemoteUser{PartnerID: partnerID, SyncStarted: started})
	require.NoError(t, err)
	return user
}

func TestPullForUserDeletesItemOnSuccess(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New()
	user := newUser(t, st, "p1", true)

	var seen *store.PullQueueItem
	p := NewPuller(st, time.Hour)
	p.Register("calendar", ProcessorFunc(func(ctx context.Context, u *store.RemoteUser, item *store.PullQueueItem) (int, error) {
		seen = item
		return 3, nil
	}))

	n, err := p.PullForUser(ctx, user)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "calendar", seen.Domain)

	items, err := st.PullQueue.ListAll(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestPullForUserMarksItemFailed(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New()
	user := newUser(t, st, "p1", true)

	p := NewPuller(st, time.Hour)
	p.Register("calendar", ProcessorFunc(func(context.Context, *store.RemoteUser, *store.PullQueueItem) (int, error) {
		return 1, errors.New("remote exploded")
	}))

	n, err := p.PullForUser(ctx, user)
	require.ErrorContains(t, err, "remote exploded")
	require.Equal(t, 1, n)

	items, err := st.PullQueue.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, store.PullFailed, items[0].Status)
	require.Equal(t, "remote exploded", items[0].LastError)

	// A failed item is claimable again on the next run.
	p.Register("calendar", ProcessorFunc(func(context.Context, *store.RemoteUser, *store.PullQueueItem) (int, error) {
		return 0, nil
	}))
	_, err = p.PullForUser(ctx, user)
	require.NoError(t, err)
}

func TestPullForUserRespectsFreshClaim(t *testing.T) {
	ctx := context.Background()
	st, db := storetest.New()
	db.Now = func() time.Time { return base }
	user := newUser(t, st, "p1", true)

	item, err := st.PullQueue.GetOrCreate(ctx, user.ID, "calendar")
	require.NoError(t, err)
	ok, err := st.PullQueue.Claim(ctx, item.ID, base.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	calls := 0
	p := NewPuller(st, 10*time.Minute).WithClock(func() time.Time { return base.Add(5 * time.Minute) })
	p.Register("calendar", ProcessorFunc(func(context.Context, *store.RemoteUser, *store.PullQueueItem) (int, error) {
		calls++
		return 0, nil
	}))

	_, err = p.PullForUser(ctx, user)
	require.ErrorIs(t, err, ErrBusy)
	require.Zero(t, calls)

	// The claim is taken over once it went stale.
	p.WithClock(func() time.Time { return base.Add(time.Hour) })
	_, err = p.PullForUser(ctx, user)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestPullAllSkipsIdleAndFailedUsers(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New()
	active := newUser(t, st, "p1", true)
	newUser(t, st, "p2", false)
	broken := newUser(t, st, "p3", true)
	require.NoError(t, st.Users.SetAuthFailure(ctx, broken.ID, "token revoked"))
	failing := newUser(t, st, "p4", true)

	var pulled []int64
	p := NewPuller(st, time.Hour)
	p.Register("calendar", ProcessorFunc(func(_ context.Context, u *store.RemoteUser, _ *store.PullQueueItem) (int, error) {
		pulled = append(pulled, u.ID)
		if u.ID == failing.ID {
			return 0, errors.New("boom")
		}
		return 2, nil
	}))

	n, err := p.PullAll(ctx)
	require.Error(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int64{active.ID, failing.ID}, pulled)
}
