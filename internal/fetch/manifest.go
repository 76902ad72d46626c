// Package fetch implements the extension artifact acquisition pipeline:
// manifest fetch, download, archive extraction, and marketplace delegation.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/verdantgrid/grassmon/internal/domain"
)

const (
	fetchTimeout    = 30 * time.Second
	downloadTimeout = 5 * time.Minute
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36 Edg/121.0.0.0"
)

// Manifest validation failures. Each missing key path is its own named
// failure so a malformed payload is diagnosable from the error alone.
// None of these are retryable: the same payload would fail the same way.
var (
	ErrMissingResultKey   = errors.New("manifest missing 'result' key")
	ErrMissingDataKey     = errors.New("manifest missing 'result.data' key")
	ErrMissingVersionKey  = errors.New("manifest missing 'result.data.version' key")
	ErrMissingPlatformLink = errors.New("manifest missing platform download link")

	// ErrArtifactNotFound: no file with the expected extension in the archive.
	ErrArtifactNotFound = errors.New("no installable artifact found in archive")
)

// manifestEnvelope mirrors the remote manifest wire format. Pointer fields
// make "key absent" distinguishable from "key empty".
type manifestEnvelope struct {
	Result *struct {
		Data *struct {
			Version *string           `json:"version"`
			Links   map[string]string `json:"links"`
		} `json:"data"`
	} `json:"result"`
}

// FetchManifest retrieves and strictly validates the release manifest.
// token, if non-empty, is sent as a bearer authorization header.
func FetchManifest(ctx context.Context, client *http.Client, url, token string) (*domain.Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest body: %w", err)
	}

	return ParseManifest(body)
}

// ParseManifest validates the raw manifest payload. Validation never coerces
// or defaults: every missing key path is a distinct failure, and an earlier
// check never masks a later one because the checks descend the key path in
// order.
func ParseManifest(data []byte) (*domain.Manifest, error) {
	var env manifestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}

	if env.Result == nil {
		return nil, ErrMissingResultKey
	}
	if env.Result.Data == nil {
		return nil, ErrMissingDataKey
	}
	if env.Result.Data.Version == nil || *env.Result.Data.Version == "" {
		return nil, ErrMissingVersionKey
	}
	if len(env.Result.Data.Links) == 0 {
		return nil, ErrMissingPlatformLink
	}

	return &domain.Manifest{
		Version: *env.Result.Data.Version,
		Links:   env.Result.Data.Links,
	}, nil
}

// PlatformLink resolves the download URL for the given platform key.
func PlatformLink(m *domain.Manifest, platform string) (string, error) {
	link, ok := m.Links[platform]
	if !ok || link == "" {
		return "", fmt.Errorf("%w: %q", ErrMissingPlatformLink, platform)
	}
	return link, nil
}

// Download performs a plain transfer of the artifact bytes. A non-OK HTTP
// status is a propagated failure, never swallowed.
func Download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download body: %w", err)
	}
	return data, nil
}
