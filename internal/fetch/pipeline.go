package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
)

// artifactExt is the installable artifact's file extension.
const artifactExt = ".crx"

// marketplacePrefixes select the fetch-by-id strategy. This is strategy
// selection by URL shape, not a fallback on failure.
var marketplacePrefixes = []string{
	"https://chromewebstore.google.com/",
	"https://chrome.google.com/webstore/",
}

// Pipeline implements domain.ArtifactSource.
type Pipeline struct {
	client          *http.Client
	sessions        domain.SessionStore
	platform        string
	destDir         string
	marketplaceTool string
	authRequired    bool
	logger          *zap.Logger
}

// NewPipeline creates an acquisition pipeline. sessions may be nil when the
// manifest endpoint does not require auth.
func NewPipeline(sessions domain.SessionStore, platform, destDir, marketplaceTool string, authRequired bool, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		client:          &http.Client{Timeout: downloadTimeout},
		sessions:        sessions,
		platform:        platform,
		destDir:         destDir,
		marketplaceTool: marketplaceTool,
		authRequired:    authRequired,
		logger:          logger,
	}
}

// Acquire fills ext.ArtifactPath. The descriptor is mutated exactly once:
// a descriptor that already carries a path is returned untouched.
func (p *Pipeline) Acquire(ctx context.Context, ext *domain.ExtensionDescriptor) error {
	if ext.ArtifactPath != "" {
		p.logger.Info("artifact already acquired", zap.String("path", ext.ArtifactPath))
		return nil
	}

	if isMarketplaceURL(ext.InstallURL) {
		return p.acquireFromMarketplace(ctx, ext)
	}
	return p.acquireFromManifest(ctx, ext)
}

func (p *Pipeline) acquireFromManifest(ctx context.Context, ext *domain.ExtensionDescriptor) error {
	var token string
	if p.authRequired && p.sessions != nil {
		var err error
		token, err = p.sessions.Token()
		if err != nil {
			return fmt.Errorf("failed to load cached session: %w", err)
		}
		if token == "" {
			p.logger.Warn("auth required but no cached session token, fetching anonymously")
		}
	}

	p.logger.Info("fetching release manifest", zap.String("url", ext.ManifestURL))
	manifest, err := FetchManifest(ctx, p.client, ext.ManifestURL, token)
	if err != nil {
		return err
	}

	link, err := PlatformLink(manifest, p.platform)
	if err != nil {
		return err
	}

	p.logger.Info("downloading extension release",
		zap.String("version", manifest.Version),
		zap.String("platform", p.platform))
	data, err := Download(ctx, p.client, link)
	if err != nil {
		return err
	}

	path, err := ExtractArchive(data, p.destDir)
	if err != nil {
		return err
	}

	ext.ArtifactPath = path
	p.logger.Info("artifact acquired",
		zap.String("version", manifest.Version),
		zap.String("path", path))
	return nil
}

// acquireFromMarketplace delegates to the external fetch-by-id tool.
func (p *Pipeline) acquireFromMarketplace(ctx context.Context, ext *domain.ExtensionDescriptor) error {
	if err := os.MkdirAll(p.destDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	outPath := filepath.Join(p.destDir, ext.ID+artifactExt)
	p.logger.Info("fetching extension from marketplace",
		zap.String("tool", p.marketplaceTool),
		zap.String("id", ext.ID))

	cmd := exec.CommandContext(ctx, p.marketplaceTool, ext.ID, outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("marketplace fetch failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("marketplace tool reported success but %s is missing", outPath)
	}

	ext.ArtifactPath = outPath
	return nil
}

// ExtractArchive unpacks the downloaded archive under destDir and returns
// the path of the first file with the expected artifact extension, walking
// the extracted tree depth-first. No match is ErrArtifactNotFound; a partial
// or guessed path is never returned.
func ExtractArchive(data []byte, destDir string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}

	extractRoot := filepath.Join(destDir, fmt.Sprintf("extract-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(extractRoot, 0755); err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for _, f := range zr.File {
		if err := extractOne(f, extractRoot); err != nil {
			return "", err
		}
	}

	var found string
	err = filepath.WalkDir(extractRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if found == "" && !d.IsDir() && strings.EqualFold(filepath.Ext(path), artifactExt) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk extracted tree: %w", err)
	}

	if found == "" {
		return "", ErrArtifactNotFound
	}
	return found, nil
}

func extractOne(f *zip.File, root string) error {
	// Reject entries that would escape the extraction root.
	dest := filepath.Join(root, filepath.Clean(f.Name))
	if !strings.HasPrefix(dest, root+string(os.PathSeparator)) && dest != root {
		return fmt.Errorf("archive entry %q escapes extraction root", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return err
	}
	return nil
}

// isMarketplaceURL reports whether the install URL points at a public
// marketplace rather than the vendor API.
func isMarketplaceURL(url string) bool {
	for _, prefix := range marketplacePrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// Ensure Pipeline implements domain.ArtifactSource.
var _ domain.ArtifactSource = (*Pipeline)(nil)
