package collector

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/rnr-capital/newsfeed-alerts/collector/file_store"
	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/store"
	"github.com/rnr-capital/newsfeed-alerts/utils"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const (
	defaultFetchTimeout = 45 * time.Second
	defaultLeaseTTL     = 2 * time.Minute
	defaultPollInterval = 500 * time.Millisecond
	leaseKeyPrefix      = "alerts:content-lease:"
)

// ContentRepository is the part of the durable store the content store needs.
type ContentRepository interface {
	GetContentByUrl(ctx context.Context, url string) (*model.Content, error)
	InsertContentIfAbsent(ctx context.Context, content *model.Content) (*model.Content, bool, error)
}

// ContentStore hands out Content by url and fetches each distinct url at most
// once. Inside a process concurrent callers for the same url share a single
// fetch; across processes an optional lease keeps other workers waiting for
// the stored row instead of fetching too. The unique url constraint in the
// store settles whatever slips through.
type ContentStore struct {
	repo         ContentRepository
	fetcher      Fetcher
	lease        Lease
	archive      file_store.Archive
	fetchTimeout time.Duration
	leaseTTL     time.Duration
	pollInterval time.Duration
	now          func() time.Time
	group        singleflight.Group
}

type ContentStoreOption func(*ContentStore)

func WithLease(lease Lease, ttl time.Duration) ContentStoreOption {
	return func(cs *ContentStore) {
		cs.lease = lease
		if ttl > 0 {
			cs.leaseTTL = ttl
		}
	}
}

func WithArchive(archive file_store.Archive) ContentStoreOption {
	return func(cs *ContentStore) { cs.archive = archive }
}

func WithFetchTimeout(d time.Duration) ContentStoreOption {
	return func(cs *ContentStore) {
		if d > 0 {
			cs.fetchTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) ContentStoreOption {
	return func(cs *ContentStore) { cs.pollInterval = d }
}

func WithClock(now func() time.Time) ContentStoreOption {
	return func(cs *ContentStore) { cs.now = now }
}

func NewContentStore(repo ContentRepository, fetcher Fetcher, opts ...ContentStoreOption) *ContentStore {
	cs := &ContentStore{
		repo:         repo,
		fetcher:      fetcher,
		fetchTimeout: defaultFetchTimeout,
		leaseTTL:     defaultLeaseTTL,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// GetOrFetch returns the stored content of url, fetching it if no other
// caller has. Fetch errors come back as *FetchFailed and leave nothing behind.
func (cs *ContentStore) GetOrFetch(ctx context.Context, url string) (*model.Content, error) {
	key, err := NormalizeUrl(url)
	if err != nil {
		return nil, &FetchFailed{Url: url, Cause: err}
	}
	if content, err := cs.lookup(ctx, key); content != nil || err != nil {
		return content, err
	}

	v, err, shared := cs.group.Do(key, func() (interface{}, error) {
		return cs.fetchOnce(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		Logger.LogV2.WithField("url", key).Debug("shared in-flight fetch")
	}
	return v.(*model.Content), nil
}

// lookup returns (nil, nil) when the url is not stored yet.
func (cs *ContentStore) lookup(ctx context.Context, key string) (*model.Content, error) {
	content, err := cs.repo.GetContentByUrl(ctx, key)
	if err == nil {
		return content, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}

func (cs *ContentStore) fetchOnce(ctx context.Context, key string) (*model.Content, error) {
	// another caller may have stored it while we waited on the group
	if content, err := cs.lookup(ctx, key); content != nil || err != nil {
		return content, err
	}
	logger := Logger.LogV2.WithField("url", key)

	if cs.lease != nil {
		leaseKey := leaseKeyPrefix + leaseHash(key)
		acquired, err := cs.lease.Acquire(ctx, leaseKey, cs.leaseTTL)
		switch {
		case err != nil:
			logger.WithError(err).Warn("fetch lease unavailable, fetching without it")
		case acquired:
			defer func() {
				// released with a fresh context, ctx may be done already
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := cs.lease.Release(releaseCtx, leaseKey); err != nil {
					logger.WithError(err).Warn("fail to release fetch lease")
				}
			}()
		default:
			content, err := cs.waitForOtherFetch(ctx, key)
			if content != nil || err != nil {
				return content, err
			}
			logger.Warn("fetch lease holder didn't store content in time, fetching")
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, cs.fetchTimeout)
	defer cancel()
	page, err := cs.fetcher.Fetch(fetchCtx, key)
	if err != nil {
		ff := newFetchFailed(key, err)
		logger.WithFields(logrus.Fields{"timeout": ff.Timeout}).WithError(ff.Cause).Warn("fetch failed")
		return nil, ff
	}

	content := &model.Content{
		Url:          key,
		CanonicalUrl: page.CanonicalUrl,
		Title:        page.Title,
		Body:         page.Body,
		Html:         page.Html,
		PublishedAt:  page.PublishedAt,
		FetchedAt:    cs.now().UTC(),
	}
	stored, inserted, err := cs.repo.InsertContentIfAbsent(ctx, content)
	if err != nil {
		return nil, err
	}
	if inserted && cs.archive != nil {
		if archiveKey, err := cs.archive.Store(ctx, key, []byte(page.Html)); err != nil {
			logger.WithError(err).Warn("fail to archive raw html")
		} else {
			logger.WithField("key", archiveKey).Debug("archived raw html")
		}
	}
	return stored, nil
}

// waitForOtherFetch polls the store while another process holds the lease.
// It returns (nil, nil) when the lease ttl passes without a stored row.
func (cs *ContentStore) waitForOtherFetch(ctx context.Context, key string) (*model.Content, error) {
	deadline := cs.now().Add(cs.leaseTTL)
	ticker := time.NewTicker(cs.pollInterval)
	defer ticker.Stop()
	for cs.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, &FetchFailed{Url: key, Cause: ctx.Err(), Timeout: true}
		case <-ticker.C:
		}
		if content, err := cs.lookup(ctx, key); content != nil || err != nil {
			return content, err
		}
	}
	return nil, nil
}

func leaseHash(key string) string {
	hash, err := utils.TextToMd5Hash(key)
	if err != nil {
		return key
	}
	return hash
}
