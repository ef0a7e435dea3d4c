package downloader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Caches downloads in a JSON file, so that restarts don't refetch
// large static feeds.
type Filesystem struct {
	Path    string
	Records map[string]fsRecord

	TimeNow func() time.Time

	logger *zap.Logger
	mutex  sync.Mutex
}

type fsRecord struct {
	Body        string `json:"body"`
	RetrievedAt string `json:"retrieved_at"`
}

func NewFilesystem(path string, logger *zap.Logger) (*Filesystem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fs := &Filesystem{
		Path:    path,
		Records: map[string]fsRecord{},
		TimeNow: time.Now,
		logger:  logger,
	}

	err := fs.load()
	if err != nil {
		return nil, err
	}

	return fs, nil
}

func (f *Filesystem) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if options.Cache {
		if record, found := f.Records[url]; found {
			retrievedAt, err := time.Parse(time.RFC3339, record.RetrievedAt)
			if err != nil {
				return nil, fmt.Errorf("parsing retrieved_at: %w", err)
			}
			if retrievedAt.Add(options.CacheTTL).After(f.TimeNow()) {
				body, err := base64.StdEncoding.DecodeString(record.Body)
				if err != nil {
					return nil, fmt.Errorf("decoding: %w", err)
				}
				f.logger.Debug("cache hit", zap.String("url", url))
				return body, nil
			}
			f.logger.Debug("cache expired", zap.String("url", url))
		}
	}

	body, err := HTTPGet(ctx, url, headers, options)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}

	if options.Cache {
		f.Records[url] = fsRecord{
			Body:        base64.StdEncoding.EncodeToString(body),
			RetrievedAt: f.TimeNow().UTC().Format(time.RFC3339),
		}
		err = f.save()
		if err != nil {
			return nil, fmt.Errorf("saving: %w", err)
		}
	}

	return body, nil
}

func (f *Filesystem) load() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	buf, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading: %w", err)
	}

	err = json.Unmarshal(buf, &f.Records)
	if err != nil {
		return fmt.Errorf("unmarshalling: %w", err)
	}

	return nil
}

// Writes to a temporary file first, so a crash never leaves a
// truncated cache behind.
func (f *Filesystem) save() error {
	buf, err := json.Marshal(f.Records)
	if err != nil {
		return fmt.Errorf("marshalling: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".arrivals-cache-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(buf)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	err = os.Rename(tmp.Name(), f.Path)
	if err != nil {
		return fmt.Errorf("renaming: %w", err)
	}

	return nil
}
