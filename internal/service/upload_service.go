package service

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/makeasinger/melodygen/internal/client"
)

const uploadConcurrency = 4

var contentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".mid":  "audio/midi",
	".midi": "audio/midi",
	".flac": "audio/flac",
	".json": "application/json",
	".txt":  "text/plain",
}

// UploadService copies job artifacts from the shared volume to object
// storage.
type UploadService struct {
	storage   client.StorageClient
	signedTTL time.Duration
	log       *zerolog.Logger
	now       func() time.Time
}

// NewUploadService creates an upload service. A nil storage client turns
// uploads into no-ops.
func NewUploadService(storage client.StorageClient, log *zerolog.Logger) *UploadService {
	return &UploadService{storage: storage, log: log, now: time.Now}
}

// WithSignedURLs makes UploadJob return presigned urls valid for ttl
// instead of public ones. A non-positive ttl keeps public urls.
func (s *UploadService) WithSignedURLs(ttl time.Duration) *UploadService {
	s.signedTTL = ttl
	return s
}

// UploadJob uploads every file under each tree, keyed by category, to
// job_<id>_<timestamp>/<category>/<relative path>. It returns a URL per
// uploaded file keyed by <category>_<relative path with "/" as "_">.
// Files that fail to upload are left out and reported in the error.
func (s *UploadService) UploadJob(ctx context.Context, jobID string, trees map[string]string) (map[string]string, error) {
	if s.storage == nil {
		return map[string]string{}, nil
	}

	prefix := fmt.Sprintf("job_%s_%s", jobID, s.now().Format("20060102_150405"))
	categories := make([]string, 0, len(trees))
	for category := range trees {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var (
		mu   sync.Mutex
		urls = make(map[string]string)
	)
	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(uploadConcurrency)
	for _, category := range categories {
		root := trees[category]
		files, err := listFiles(root)
		if err != nil {
			s.log.Warn().Err(err).Str("category", category).Str("dir", root).Msg("skipping upload tree")
			continue
		}
		for _, rel := range files {
			p.Go(func(ctx context.Context) error {
				key := path.Join(prefix, category, rel)
				url, err := s.uploadFile(ctx, filepath.Join(root, filepath.FromSlash(rel)), key)
				if err != nil {
					return fmt.Errorf("upload %s: %w", key, err)
				}
				mu.Lock()
				urls[category+"_"+strings.ReplaceAll(rel, "/", "_")] = url
				mu.Unlock()
				return nil
			})
		}
	}
	err := p.Wait()

	s.log.Info().Str("job_id", jobID).Int("files", len(urls)).Str("prefix", prefix).Msg("artifacts uploaded")
	return urls, err
}

func (s *UploadService) uploadFile(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	url, err := s.storage.Upload(ctx, key, f, contentTypeFor(localPath))
	if err != nil || s.signedTTL <= 0 {
		return url, err
	}
	return s.storage.GetSignedURL(ctx, key, s.signedTTL)
}

// listFiles returns the regular files under root as slash separated paths
// relative to root. A missing root yields no files.
func listFiles(root string) ([]string, error) {
	if root == "" {
		return nil, nil
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

func contentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
