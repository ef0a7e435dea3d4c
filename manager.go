package arrivals

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/parse"
	"tidbyt.dev/arrivals/storage"
)

const (
	DefaultStaticTimeout        = 60 * time.Second
	DefaultStaticMaxSize        = 800 << 20 // 800 MB
	DefaultStaticRetryInterval  = 1 * time.Second
	DefaultStaticRetryMaxPeriod = 30 * time.Second
	DefaultStaticRetryMaxTime   = 2 * time.Minute
)

var ErrNoActiveFeed = errors.New("no active feed found")

// Manager loads static GTFS schedules into storage.
type Manager struct {
	StaticTimeout time.Duration
	StaticMaxSize int

	// When non-zero, static downloads go through the
	// Downloader's cache with this TTL.
	StaticCacheTTL time.Duration

	// Download retries back off exponentially from
	// RetryInterval, giving up after RetryMaxTime.
	RetryInterval time.Duration
	RetryMaxTime  time.Duration

	Downloader downloader.Downloader
	TimeNow    func() time.Time

	storage storage.Storage
	logger  *zap.Logger
}

// Creates a new Manager of static GTFS data, on top of the given
// storage.
//
// Static schedules are persisted in storage, so by default the
// downloader doesn't cache.
func NewManager(s storage.Storage, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		StaticTimeout: DefaultStaticTimeout,
		StaticMaxSize: DefaultStaticMaxSize,
		RetryInterval: DefaultStaticRetryInterval,
		RetryMaxTime:  DefaultStaticRetryMaxTime,

		Downloader: downloader.NewMemoryDownloader(),
		TimeNow:    time.Now,

		storage: s,
		logger:  logger,
	}
}

// Downloads and loads the static schedule at url.
//
// A feed already in storage with the same content is reused rather
// than parsed again. If the download fails for good, the most
// recently retrieved feed for url is used instead. With no such feed,
// the error wraps ErrNoActiveFeed.
func (m *Manager) LoadStatic(ctx context.Context, url string, headers map[string]string) (*Static, error) {
	body, err := m.download(ctx, url, headers)
	if err != nil {
		m.logger.Warn("static download failed", zap.String("url", url), zap.Error(err))

		static, loadErr := m.loadMostRecent(url)
		if loadErr != nil {
			return nil, fmt.Errorf("downloading static: %w", errors.Join(err, loadErr))
		}

		m.logger.Info(
			"using stored static feed",
			zap.String("url", url),
			zap.String("hash", static.Metadata.Hash),
			zap.Time("retrieved_at", static.Metadata.RetrievedAt),
		)
		return static, nil
	}

	return m.store(url, body)
}

// Loads a static schedule from a local zip file.
func (m *Manager) LoadStaticFile(path string) (*Static, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	return m.store("file://"+abs, body)
}

func (m *Manager) download(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.RetryInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         DefaultStaticRetryMaxPeriod,
		MaxElapsedTime:      m.RetryMaxTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	opts := downloader.GetOptions{
		Timeout:  m.StaticTimeout,
		MaxSize:  m.StaticMaxSize,
		Cache:    m.StaticCacheTTL > 0,
		CacheTTL: m.StaticCacheTTL,
	}

	return backoff.RetryNotifyWithData(
		func() ([]byte, error) {
			body, err := m.Downloader.Get(ctx, url, headers, opts)
			if errors.Is(err, downloader.ErrTooLarge) {
				return nil, backoff.Permanent(err)
			}
			return body, err
		},
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			m.logger.Info(
				"retrying static download",
				zap.String("url", url),
				zap.Error(err),
				zap.Duration("wait", wait),
			)
		},
	)
}

// Parses body into storage, unless a feed with the same hash is
// already there, and records that url served it.
func (m *Manager) store(url string, body []byte) (*Static, error) {
	hash := fmt.Sprintf("%x", sha256.Sum256(body))

	feeds, err := m.storage.ListFeeds(storage.ListFeedsFilter{Hash: hash})
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	var metadata *storage.FeedMetadata
	if len(feeds) > 0 {
		// Already parsed, possibly for another URL.
		copied := *feeds[0]
		metadata = &copied
		m.logger.Debug("static feed already in storage", zap.String("hash", hash))
	} else {
		writer, err := m.storage.GetWriter(hash)
		if err != nil {
			return nil, fmt.Errorf("getting writer: %w", err)
		}

		metadata, err = parse.ParseStatic(writer, body)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("parsing: %w", err)
		}

		err = writer.Close()
		if err != nil {
			return nil, fmt.Errorf("closing writer: %w", err)
		}

		m.logger.Info(
			"parsed static feed",
			zap.String("url", url),
			zap.String("hash", hash),
			zap.String("timezone", metadata.Timezone),
		)
	}

	metadata.URL = url
	metadata.Hash = hash
	metadata.RetrievedAt = m.TimeNow().UTC()

	err = m.storage.WriteFeedMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	return m.open(metadata)
}

func (m *Manager) loadMostRecent(url string) (*Static, error) {
	feeds, err := m.storage.ListFeeds(storage.ListFeedsFilter{URL: url})
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	if len(feeds) == 0 {
		return nil, ErrNoActiveFeed
	}

	return m.open(feeds[0])
}

func (m *Manager) open(metadata *storage.FeedMetadata) (*Static, error) {
	reader, err := m.storage.GetReader(metadata.Hash)
	if err != nil {
		return nil, fmt.Errorf("getting reader: %w", err)
	}

	static, err := NewStatic(reader, metadata)
	if err != nil {
		return nil, fmt.Errorf("creating static: %w", err)
	}

	return static, nil
}
