package invitation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/store"
	"github.com/rnr-capital/newsfeed-alerts/utils"
)

type fixture struct {
	store   *store.Store
	service *Service
	alert   *model.Alert
}

func newFixture(t *testing.T, visibility model.Visibility) *fixture {
	db, _ := utils.CreateTempDB(t)
	s := store.New(db)
	alert := &model.Alert{OwnerID: "owner", Name: "batteries", Visibility: visibility}
	require.NoError(t, s.CreateAlert(context.Background(), alert))
	return &fixture{store: s, service: NewService(s, 7*24*time.Hour), alert: alert}
}

func (f *fixture) channelOf(t *testing.T, userID string) *model.Channel {
	ch := &model.Channel{OwnerID: userID, Type: model.ChannelTypeEmail, Verified: true}
	require.NoError(t, f.store.SaveChannel(context.Background(), ch))
	return ch
}

func (f *fixture) subscriptionCount(t *testing.T) int64 {
	var count int64
	require.NoError(t, f.store.DB().Model(&model.Subscription{}).Count(&count).Error)
	return count
}

func TestRedeem(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	t.Run("Test redeem subscribes and consumes", func(t *testing.T) {
		f := newFixture(t, model.VisibilityPublic)
		inv, err := f.service.Create(ctx, f.alert.Id, "owner", " Friend@Example.com ", now)
		require.NoError(t, err)
		require.Equal(t, "friend@example.com", inv.Email)
		require.Equal(t, now.Add(7*24*time.Hour), inv.ExpiresAt)

		ch := f.channelOf(t, "friend")
		sub, err := f.service.Redeem(ctx, inv.Token, "friend", ch.Id, now.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, f.alert.Id, sub.AlertID)
		require.Equal(t, ch.Id, sub.ChannelID)

		stored, err := f.store.GetInvitationByToken(ctx, inv.Token)
		require.NoError(t, err)
		require.True(t, stored.Accepted())
		require.Equal(t, "friend", *stored.AcceptedBy)
	})

	t.Run("Test second redeem fails without mutation", func(t *testing.T) {
		f := newFixture(t, model.VisibilityPublic)
		inv, err := f.service.Create(ctx, f.alert.Id, "owner", "", now)
		require.NoError(t, err)
		_, err = f.service.Redeem(ctx, inv.Token, "friend", f.channelOf(t, "friend").Id, now)
		require.NoError(t, err)

		_, err = f.service.Redeem(ctx, inv.Token, "other", f.channelOf(t, "other").Id, now)
		var aa *InvitationAlreadyAccepted
		require.True(t, errors.As(err, &aa))
		require.Equal(t, int64(1), f.subscriptionCount(t))
	})

	t.Run("Test expired invitation", func(t *testing.T) {
		f := newFixture(t, model.VisibilityPublic)
		inv, err := f.service.Create(ctx, f.alert.Id, "owner", "", now)
		require.NoError(t, err)

		_, err = f.service.Redeem(ctx, inv.Token, "friend", f.channelOf(t, "friend").Id, inv.ExpiresAt)
		var ie *InvitationExpired
		require.True(t, errors.As(err, &ie))
		require.Equal(t, int64(0), f.subscriptionCount(t))

		stored, err := f.store.GetInvitationByToken(ctx, inv.Token)
		require.NoError(t, err)
		require.False(t, stored.Accepted())
	})

	t.Run("Test private alerts can't be joined", func(t *testing.T) {
		f := newFixture(t, model.VisibilityPrivate)
		_, err := f.service.Create(ctx, f.alert.Id, "owner", "", now)
		require.ErrorIs(t, err, ErrAlertNotPublic)

		// an invitation issued while the alert was public
		inv := &model.Invitation{AlertID: f.alert.Id, Token: "tok", ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, f.store.CreateInvitation(ctx, inv))
		_, err = f.service.Redeem(ctx, "tok", "friend", f.channelOf(t, "friend").Id, now)
		require.ErrorIs(t, err, ErrAlertNotPublic)
	})

	t.Run("Test channel must belong to the user", func(t *testing.T) {
		f := newFixture(t, model.VisibilityPublic)
		inv, err := f.service.Create(ctx, f.alert.Id, "owner", "", now)
		require.NoError(t, err)
		_, err = f.service.Redeem(ctx, inv.Token, "friend", f.channelOf(t, "stranger").Id, now)
		require.ErrorIs(t, err, ErrChannelNotOwned)
	})

	t.Run("Test already subscribed user keeps the invitation", func(t *testing.T) {
		f := newFixture(t, model.VisibilityPublic)
		ch := f.channelOf(t, "friend")
		require.NoError(t, f.store.CreateSubscription(ctx, &model.Subscription{UserID: "friend", AlertID: f.alert.Id, ChannelID: ch.Id}))
		inv, err := f.service.Create(ctx, f.alert.Id, "owner", "", now)
		require.NoError(t, err)

		_, err = f.service.Redeem(ctx, inv.Token, "friend", ch.Id, now)
		require.ErrorIs(t, err, store.ErrAlreadySubscribed)
		stored, err := f.store.GetInvitationByToken(ctx, inv.Token)
		require.NoError(t, err)
		require.False(t, stored.Accepted())
	})

	t.Run("Test concurrent redeems consume once", func(t *testing.T) {
		f := newFixture(t, model.VisibilityPublic)
		// the test database has one connection so redeems queue; the
		// conditional accept update is what guards real interleavings
		inv, err := f.service.Create(ctx, f.alert.Id, "owner", "", now)
		require.NoError(t, err)
		users := []string{"u1", "u2", "u3", "u4"}
		channels := map[string]string{}
		for _, u := range users {
			channels[u] = f.channelOf(t, u).Id
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for _, u := range users {
			u := u
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.service.Redeem(ctx, inv.Token, u, channels[u], now)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					succeeded++
					return
				}
				var aa *InvitationAlreadyAccepted
				assert.True(t, errors.As(err, &aa), err)
			}()
		}
		wg.Wait()
		require.Equal(t, 1, succeeded)
		require.Equal(t, int64(1), f.subscriptionCount(t))
	})

	t.Run("Test unknown token", func(t *testing.T) {
		f := newFixture(t, model.VisibilityPublic)
		_, err := f.service.Redeem(ctx, "nope", "friend", "ch", now)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
