// Package catalogsync fetches operator signature catalogs over HTTP and
// installs them for the classifier to load. Downloads are retried, optionally
// checksum-verified, and always validated before anything touches disk.
package catalogsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/lanscout/lanscout/pkg/fingerprint"
)

// Source describes where a signature catalog can be fetched from. Checksum,
// when set, uses the "sha256:<hex>" form and is enforced before the catalog
// is parsed.
type Source struct {
	Name     string
	URL      string
	Mirrors  []string
	Checksum string
}

// Syncer downloads signature catalogs and installs them locally.
type Syncer struct {
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      zerolog.Logger
}

// SyncerOption configures the Syncer.
type SyncerOption func(*Syncer)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) SyncerOption {
	return func(s *Syncer) {
		s.httpClient = client
	}
}

// WithRetryConfig sets the retry configuration for network operations.
func WithRetryConfig(config RetryConfig) SyncerOption {
	return func(s *Syncer) {
		s.retryConfig = config
	}
}

// NewSyncer creates a catalog syncer.
func NewSyncer(logger zerolog.Logger, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryConfig: DefaultRetryConfig(),
		logger:      logger.With().Str("component", "CatalogSyncer").Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Fetch retrieves a catalog from the source URL, falling back to mirrors on
// fetch failure. A checksum mismatch or invalid document fails immediately
// because mirrors are expected to carry identical content. The returned bytes
// are the raw document, so callers can persist exactly what was verified.
func (s *Syncer) Fetch(ctx context.Context, source Source) (*fingerprint.Catalog, []byte, error) {
	urls := append([]string{source.URL}, source.Mirrors...)

	var data []byte
	var lastErr error
	for _, url := range urls {
		d, err := s.fetchFromURL(ctx, url)
		if err != nil {
			lastErr = err
			s.logger.Warn().Err(err).Str("url", url).Msg("Catalog fetch failed")
			continue
		}
		data = d
		break
	}
	if data == nil {
		return nil, nil, fmt.Errorf("failed to fetch catalog from %s: %w", sourceName(source), lastErr)
	}

	if source.Checksum != "" {
		if err := verifyChecksum(data, source.Checksum); err != nil {
			return nil, nil, fmt.Errorf("checksum verification failed: %w", err)
		}
	}

	catalog, err := fingerprint.ParseCatalog(data)
	if err != nil {
		return nil, nil, fmt.Errorf("fetched catalog is invalid: %w", err)
	}
	if catalog.Source == "" {
		catalog.Source = source.URL
	}

	return catalog, data, nil
}

// Sync fetches a catalog and installs it at destPath. The write is guarded
// by a sibling .lock file so concurrent runs do not interleave.
func (s *Syncer) Sync(ctx context.Context, source Source, destPath string) (*fingerprint.Catalog, error) {
	catalog, data, err := s.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	lock := flock.New(destPath + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write catalog: %w", err)
	}

	s.logger.Info().
		Str("path", destPath).
		Str("version", catalog.Version).
		Int("rules", len(catalog.Rules)).
		Msg("Installed signature catalog")

	return catalog, nil
}

func (s *Syncer) fetchFromURL(ctx context.Context, url string) ([]byte, error) {
	var data []byte

	err := WithRetry(ctx, s.retryConfig, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to download: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		d, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		data = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

func sourceName(source Source) string {
	if source.Name != "" {
		return source.Name
	}
	return source.URL
}

func verifyChecksum(data []byte, expectedChecksum string) error {
	// Expected format: "sha256:hex"
	parts := strings.SplitN(expectedChecksum, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid checksum format: %s", expectedChecksum)
	}

	algorithm := parts[0]
	expectedHex := parts[1]

	if algorithm != "sha256" {
		return fmt.Errorf("unsupported checksum algorithm: %s", algorithm)
	}

	hash := sha256.Sum256(data)
	actualHex := hex.EncodeToString(hash[:])

	if actualHex != expectedHex {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedHex, actualHex)
	}

	return nil
}
