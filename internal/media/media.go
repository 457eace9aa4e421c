// Package media implements the media handler (C8): downloads generated
// images/videos from the upstream using a fresh JWT, then emits either an
// inline base64 data URI, a local-disk self-hosted URL, or an S3-compatible
// object-store URL, enforcing a TTL sweep in disk mode (object-store and
// inline modes are not swept). Grounded on nostalgicskinco-air-blackbox-gateway's pkg/vault
// (minio-go/v7 S3 client) for the object-store mode, adapted from storing
// opaque trace blobs to storing generated media with content-addressed
// keys.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mode selects how a resolved file is emitted to the client.
type Mode string

const (
	ModeInline  Mode = "inline"  // base64 data URI, no disk/bucket persistence
	ModeDisk    Mode = "disk"    // local disk, served under a self-hosted URL prefix
	ModeObject  Mode = "object"  // S3-compatible object store
)

const (
	sweepInterval = 30 * time.Minute
	maxAge        = time.Hour
)

// Downloader fetches one generated file's bytes from the upstream, given a
// session path and file id. Implemented by the orchestrator using a fresh
// JWT per spec.md §4.7.
type Downloader interface {
	Download(ctx context.Context, session, fileID string) (mimeType string, data []byte, err error)
}

// ObjectStoreConfig configures the optional S3-compatible backend.
type ObjectStoreConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	UseSSL     bool
	PublicBase string // public URL prefix used to build the emitted link
}

// Handler resolves collected files into client-visible fragments.
type Handler struct {
	mode     Mode
	diskDir  string
	urlPrefix string

	minioClient *minio.Client
	objCfg      ObjectStoreConfig

	downloader Downloader
}

func NewDiskHandler(downloader Downloader, dir, urlPrefix string) (*Handler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: mkdir %s: %w", dir, err)
	}
	return &Handler{mode: ModeDisk, diskDir: dir, urlPrefix: urlPrefix, downloader: downloader}, nil
}

func NewInlineHandler(downloader Downloader) *Handler {
	return &Handler{mode: ModeInline, downloader: downloader}
}

// WithDownloader returns a shallow copy of the handler bound to a
// different Downloader, used by the orchestrator to scope a download to
// one account's credentials/token per attempt without reconstructing the
// disk/object-store plumbing.
func (h *Handler) WithDownloader(d Downloader) *Handler {
	clone := *h
	clone.downloader = d
	return &clone
}

func NewObjectHandler(ctx context.Context, downloader Downloader, cfg ObjectStoreConfig) (*Handler, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media: connect object store: %w", err)
	}
	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("media: check bucket: %w", err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("media: create bucket: %w", err)
		}
	}
	return &Handler{mode: ModeObject, minioClient: mc, objCfg: cfg, downloader: downloader}, nil
}

// ResolvedFile is one generated file ready to be rendered as a fragment.
type ResolvedFile struct {
	FileID   string
	MimeType string
	URL      string // set for disk/object modes
	DataURI  string // set for inline mode
	Err      error  // per-file inline error; stream continues past it (spec.md §7)
}

// Resolve downloads and persists/encodes one file. On failure it returns a
// ResolvedFile with Err set rather than propagating the error, so the
// caller can continue with the remaining files (spec.md §4.7/§7
// media-download-failed).
func (h *Handler) Resolve(ctx context.Context, session, fileID, fallbackMime string) ResolvedFile {
	mimeType, data, err := h.downloader.Download(ctx, session, fileID)
	if err != nil {
		return ResolvedFile{FileID: fileID, MimeType: fallbackMime, Err: fmt.Errorf("media-download-failed: %w", err)}
	}
	if mimeType == "" {
		mimeType = fallbackMime
	}

	switch h.mode {
	case ModeInline:
		return ResolvedFile{
			FileID:   fileID,
			MimeType: mimeType,
			DataURI:  fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data)),
		}
	case ModeDisk:
		name := contentAddressedName(data, mimeType)
		path := filepath.Join(h.diskDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return ResolvedFile{FileID: fileID, MimeType: mimeType, Err: fmt.Errorf("media-download-failed: write: %w", err)}
		}
		return ResolvedFile{FileID: fileID, MimeType: mimeType, URL: h.urlPrefix + "/" + name}
	case ModeObject:
		name := contentAddressedName(data, mimeType)
		_, err := h.minioClient.PutObject(ctx, h.objCfg.Bucket, name, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: mimeType})
		if err != nil {
			return ResolvedFile{FileID: fileID, MimeType: mimeType, Err: fmt.Errorf("media-download-failed: object put: %w", err)}
		}
		return ResolvedFile{FileID: fileID, MimeType: mimeType, URL: h.objCfg.PublicBase + "/" + name}
	default:
		return ResolvedFile{FileID: fileID, MimeType: mimeType, Err: fmt.Errorf("media: unknown mode %q", h.mode)}
	}
}

func contentAddressedName(data []byte, mimeType string) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + extensionFor(mimeType)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	default:
		return ""
	}
}

// RenderFragment emits the client-visible Markdown/HTML fragment for a
// resolved file, or a visible inline error string on failure.
func RenderFragment(f ResolvedFile) string {
	if f.Err != nil {
		return fmt.Sprintf("\n\n[media error: %s]\n\n", f.Err)
	}
	link := f.URL
	if link == "" {
		link = f.DataURI
	}
	if isImage(f.MimeType) {
		return fmt.Sprintf("\n\n![generated image](%s)\n\n", link)
	}
	return fmt.Sprintf("\n\n<video controls src=%q></video>\n\n", link)
}

func isImage(mimeType string) bool {
	return len(mimeType) >= 5 && mimeType[:5] == "image"
}

// RunSweeper deletes disk-mode files older than maxAge every sweepInterval.
// Object-store mode relies on bucket lifecycle policy instead (out of
// scope here); inline mode has nothing to sweep.
func (h *Handler) RunSweeper(ctx context.Context) {
	if h.mode != ModeDisk {
		return
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce()
		}
	}
}

func (h *Handler) sweepOnce() {
	entries, err := os.ReadDir(h.diskDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(h.diskDir, e.Name()))
		}
	}
}

// HTTPImageFetcher adapts an *http.Client to normalize.ImageFetcher for
// URL-referenced inline images in inbound requests (distinct from
// generated-media download, which always uses a JWT).
type HTTPImageFetcher struct {
	Client *http.Client
}

func (f HTTPImageFetcher) Get(url string) (*http.Response, error) {
	return f.Client.Get(url)
}
