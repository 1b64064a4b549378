package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rnr-capital/newsfeed-alerts/channel"
	"github.com/rnr-capital/newsfeed-alerts/model"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const (
	defaultLookahead      = 2 * time.Hour
	defaultRefreshTimeout = 30 * time.Second
	refreshParallelism    = 4
)

var (
	Log = Logger.LogV2
)

type Store interface {
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
	ListChannelsNeedingRefresh(ctx context.Context, types []model.ChannelType) ([]*model.Channel, error)
	SaveChannelTokens(ctx context.Context, channelID string, cred model.OAuthCredential) error
	MarkChannelDisconnected(ctx context.Context, channelID string, reason string) error
	SetChannelError(ctx context.Context, channelID string, reason string) error
}

type Report struct {
	Total        int
	Refreshed    int
	Failed       int
	Skipped      int
	Disconnected int
}

// Job keeps oauth credentials of channels valid by refreshing them before
// they expire.
type Job struct {
	store      Store
	refreshers map[model.ChannelType]Refresher
	lookahead  time.Duration
	timeout    time.Duration

	mu        sync.Mutex
	expedited map[string]bool
}

func NewJob(store Store, refreshers map[model.ChannelType]Refresher, lookahead, timeout time.Duration) *Job {
	if lookahead <= 0 {
		lookahead = defaultLookahead
	}
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	return &Job{
		store:      store,
		refreshers: refreshers,
		lookahead:  lookahead,
		timeout:    timeout,
		expedited:  map[string]bool{},
	}
}

// Expedite asks the next run to refresh channelID regardless of its expiry,
// e.g. after a transport rejected its token.
func (j *Job) Expedite(channelID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.expedited[channelID] = true
}

func (j *Job) takeExpedited() map[string]bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	res := j.expedited
	j.expedited = map[string]bool{}
	return res
}

func (j *Job) types() []model.ChannelType {
	types := []model.ChannelType{}
	for t := range j.refreshers {
		types = append(types, t)
	}
	return types
}

// RefreshExpiring refreshes every rotating credential expiring within the
// lookahead, plus the expedited ones. A failing channel never stops the
// others. Only a store failure listing the candidates fails the run.
func (j *Job) RefreshExpiring(ctx context.Context, now time.Time) (Report, error) {
	report := Report{}
	candidates, err := j.store.ListChannelsNeedingRefresh(ctx, j.types())
	if err != nil {
		return report, err
	}

	expedited := j.takeExpedited()
	seen := map[string]bool{}
	for _, ch := range candidates {
		seen[ch.Id] = true
	}
	for id := range expedited {
		if seen[id] {
			continue
		}
		ch, err := j.store.GetChannel(ctx, id)
		if err != nil {
			Log.WithError(err).WithField("channel_id", id).Warn("expedited channel not found")
			continue
		}
		candidates = append(candidates, ch)
	}

	var mu sync.Mutex
	g := errgroup.Group{}
	g.SetLimit(refreshParallelism)
	for _, ch := range candidates {
		ch := ch
		report.Total++
		g.Go(func() error {
			outcome := j.refreshOne(ctx, ch, now, expedited[ch.Id])
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeRefreshed:
				report.Refreshed++
			case outcomeSkipped:
				report.Skipped++
			case outcomeDisconnected:
				report.Disconnected++
				report.Failed++
			default:
				report.Failed++
			}
			return nil
		})
	}
	g.Wait()

	Log.WithFields(logrus.Fields{
		"total":        report.Total,
		"refreshed":    report.Refreshed,
		"failed":       report.Failed,
		"skipped":      report.Skipped,
		"disconnected": report.Disconnected,
	}).Info("token refresh finished")
	return report, nil
}

type outcome int

const (
	outcomeRefreshed outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeDisconnected
)

func (j *Job) refreshOne(ctx context.Context, ch *model.Channel, now time.Time, force bool) outcome {
	logger := Log.WithFields(logrus.Fields{"channel_id": ch.Id, "channel_type": ch.Type})

	if ch.OAuth.RefreshToken == "" || ch.Status == model.ChannelStatusDisconnected {
		return outcomeSkipped
	}
	// expedited ids bypass the candidate query, non rotating tokens never refresh
	if !ch.OAuth.TokenRotationEnabled {
		return outcomeSkipped
	}
	if !force && channel.ConnectionState(ch, now, j.lookahead) != channel.TokenExpiringSoon {
		return outcomeSkipped
	}
	refresher, ok := j.refreshers[ch.Type]
	if !ok {
		return outcomeSkipped
	}

	refreshCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	token, err := refresher.Refresh(refreshCtx, ch.OAuth.RefreshToken)
	if err != nil {
		var rf *RefreshFailed
		if errors.As(err, &rf) && rf.Irrecoverable {
			logger.WithError(err).Warn("refresh token rejected, disconnecting channel")
			channel.Disconnect(ch, err.Error())
			if err := j.store.MarkChannelDisconnected(ctx, ch.Id, ch.LastError); err != nil {
				logger.WithError(err).Error("fail to mark channel disconnected")
			}
			return outcomeDisconnected
		}
		logger.WithError(err).Warn("token refresh failed, retrying next run")
		if err := j.store.SetChannelError(ctx, ch.Id, err.Error()); err != nil {
			logger.WithError(err).Error("fail to set channel error")
		}
		return outcomeFailed
	}

	channel.ApplyRefresh(ch, token)
	if err := j.store.SaveChannelTokens(ctx, ch.Id, ch.OAuth); err != nil {
		// the old refresh token may be spent already, nothing else to do
		logger.WithError(err).Error("fail to persist refreshed tokens")
		return outcomeFailed
	}
	logger.WithField("expires_at", ch.OAuth.ExpiresAt).Info("token refreshed")
	return outcomeRefreshed
}
