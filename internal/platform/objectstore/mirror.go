// Package objectstore copies provider-hosted result artifacts into an
// S3-compatible bucket. Provider URLs expire after a few hours; mirrored
// URLs are what get cached and delivered.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/domain"
)

const (
	// MaxArtifactSize bounds a single downloaded artifact.
	MaxArtifactSize = 200 << 20

	presignExpiry = 7 * 24 * time.Hour
)

// ErrArtifactTooLarge is returned when an artifact exceeds MaxArtifactSize.
var ErrArtifactTooLarge = errors.New("artifact too large")

// objectClient is the subset of *minio.Client the mirror uses.
type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(
		ctx context.Context,
		bucket, object string,
		reader io.Reader,
		size int64,
		opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
	PresignedGetObject(
		ctx context.Context,
		bucket, object string,
		expires time.Duration,
		params url.Values,
	) (*url.URL, error)
}

var _ objectClient = (*minio.Client)(nil)

// Mirror implements task.ResultMirror.
type Mirror struct {
	client        objectClient
	http          *http.Client
	bucket        string
	publicBaseURL string
	logger        *slog.Logger
}

// New connects to the configured endpoint and makes sure the bucket exists.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Mirror, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("storage endpoint cannot be empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	m := newMirror(client, &http.Client{Timeout: 2 * time.Minute}, cfg.Bucket, cfg.PublicBaseURL, logger)
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func newMirror(client objectClient, hc *http.Client, bucket, publicBaseURL string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		client:        client,
		http:          hc,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger.With("component", "result_mirror"),
	}
}

func (m *Mirror) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %q: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", m.bucket, err)
	}
	return nil
}

// Mirror copies every URL of result into the bucket and returns a copy of
// the result pointing at the mirrored objects. Text-only results are
// returned unchanged. Any failure aborts the whole mirror.
func (m *Mirror) Mirror(ctx context.Context, t *domain.Task, result *domain.Result) (*domain.Result, error) {
	if result == nil || len(result.URLs) == 0 {
		return result, nil
	}

	out := result.Clone()
	for i, src := range result.URLs {
		object := ObjectName(t, i, src)
		if err := m.copy(ctx, src, object); err != nil {
			return nil, fmt.Errorf("failed to mirror artifact %d: %w", i, err)
		}
		dst, err := m.objectURL(ctx, object)
		if err != nil {
			return nil, err
		}
		out.URLs[i] = dst
	}

	m.logger.DebugContext(ctx, "mirrored result artifacts",
		"task_id", t.ID.String(),
		"count", len(out.URLs))
	return out, nil
}

func (m *Mirror) copy(ctx context.Context, src, object string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > MaxArtifactSize {
		return ErrArtifactTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(object))
	}

	_, err = m.client.PutObject(ctx, m.bucket, object, io.LimitReader(resp.Body, MaxArtifactSize), resp.ContentLength,
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *Mirror) objectURL(ctx context.Context, object string) (string, error) {
	if m.publicBaseURL != "" {
		return m.publicBaseURL + "/" + object, nil
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, object, presignExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %q: %w", object, err)
	}
	return u.String(), nil
}

// ObjectName returns the key under which the i-th artifact of t is stored.
// The extension of the source URL path is kept.
func ObjectName(t *domain.Task, i int, src string) string {
	ext := ""
	if u, err := url.Parse(src); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	return fmt.Sprintf("%s/%s/%d-%d%s", t.Kind, t.ID, t.Attempts, i, ext)
}
