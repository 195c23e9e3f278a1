package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Downloader fetches provider outputs into local files.
type Downloader struct {
	httpClient *http.Client
	gate       *semaphore.Weighted
	dir        string
	attempts   int
	timeout    time.Duration
	backoff    time.Duration
	logger     *zap.Logger
}

func NewDownloader(dir string, concurrency, attempts int, timeout, backoff time.Duration, logger *zap.Logger) *Downloader {
	if concurrency < 1 {
		concurrency = 1
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Downloader{
		httpClient: &http.Client{},
		gate:       semaphore.NewWeighted(int64(concurrency)),
		dir:        dir,
		attempts:   attempts,
		timeout:    timeout,
		backoff:    backoff,
		logger:     logger.Named("download"),
	}
}

// DownloadAll fetches every URL in parallel and returns the local paths of those that
// succeeded, in input order. Failed URLs are dropped.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string) []string {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.logger.Error("Failed to create download directory", zap.String("dir", d.dir), zap.Error(err))
		return nil
	}

	paths := make([]string, len(urls))
	var g errgroup.Group
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			p, err := d.download(ctx, u)
			if err != nil {
				d.logger.Warn("Dropping output after failed download", zap.String("url", u), zap.Error(err))
				return nil
			}
			paths[i] = p
			return nil
		})
	}
	_ = g.Wait()

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (d *Downloader) download(ctx context.Context, rawURL string) (string, error) {
	if err := d.gate.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer d.gate.Release(1)

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.backoff * time.Duration(attempt-1)):
			}
		}
		p, err := d.fetchOnce(ctx, rawURL)
		if err == nil {
			return p, nil
		}
		lastErr = err
		d.logger.Debug("Download attempt failed", zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Error(err))
	}
	return "", fmt.Errorf("download %s: %w", rawURL, lastErr)
}

func (d *Downloader) fetchOnce(ctx context.Context, rawURL string) (string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	dst := filepath.Join(d.dir, uuid.New().String()+outputExt(rawURL, resp.Header.Get("Content-Type")))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", err
	}
	d.logger.Debug("Downloaded output", zap.String("path", dst), zap.String("size", humanize.Bytes(uint64(n))))
	return dst, nil
}

// outputExt picks a file extension from the URL path, then the content type.
func outputExt(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		switch ext := strings.ToLower(path.Ext(u.Path)); ext {
		case ".webp", ".png", ".jpg", ".jpeg", ".mp4":
			return ext
		}
	}
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			switch mt {
			case "image/webp":
				return ".webp"
			case "image/jpeg":
				return ".jpg"
			case "video/mp4":
				return ".mp4"
			}
		}
	}
	return ".png"
}

// RemoveFiles deletes temporary files, ignoring the ones already gone.
func RemoveFiles(logger *zap.Logger, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to remove temporary file", zap.String("path", p), zap.Error(err))
		}
	}
}

// Delivery describes one finished job to send out.
type Delivery struct {
	Recipient      int64
	TargetUserID   int64
	AdminOnBehalf  bool
	GenerationType models.GenerationType
	ModelKey       string
	Elapsed        time.Duration
	Paths          []string
}

// Materializer sends downloaded results to the chats involved.
type Materializer struct {
	messenger Messenger
	texts     Texts
	logger    *zap.Logger
}

func NewMaterializer(messenger Messenger, texts Texts, logger *zap.Logger) *Materializer {
	return &Materializer{messenger: messenger, texts: texts, logger: logger.Named("delivery")}
}

// Deliver sends the results. For admin-on-behalf jobs the target user gets an
// unlabeled copy and the admin a labeled one with action buttons.
func (m *Materializer) Deliver(ctx context.Context, d Delivery) error {
	if len(d.Paths) == 0 {
		return ErrDownloadFailed
	}
	seconds := fmt.Sprintf("%.1f", d.Elapsed.Seconds())
	rating := Markup{Kind: MarkupRating, GenerationType: d.GenerationType, ModelKey: d.ModelKey}

	if !d.AdminOnBehalf {
		return m.sendUserCopy(ctx, d.Recipient, d, seconds, rating)
	}

	var errs []error
	if err := m.sendUserCopy(ctx, d.TargetUserID, d, seconds, rating); err != nil {
		errs = append(errs, fmt.Errorf("target copy: %w", err))
	}
	if err := m.sendAdminCopy(ctx, d, seconds); err != nil {
		errs = append(errs, fmt.Errorf("admin copy: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Materializer) sendUserCopy(ctx context.Context, chatID int64, d Delivery, seconds string, rating Markup) error {
	switch {
	case d.GenerationType.IsVideo():
		return m.messenger.SendVideo(ctx, chatID, d.Paths[0], m.texts.Text(chatID, "result_video_caption", "seconds", seconds), rating)
	case len(d.Paths) == 1:
		return m.messenger.SendPhoto(ctx, chatID, d.Paths[0], m.texts.Text(chatID, "result_photo_caption", "seconds", seconds), rating)
	}
	caption := m.texts.Text(chatID, "result_group_caption", "count", len(d.Paths), "seconds", seconds)
	if err := m.messenger.SendMediaGroup(ctx, chatID, d.Paths, caption); err != nil {
		return err
	}
	_, err := m.messenger.SendText(ctx, chatID, m.texts.Text(chatID, "result_rate_prompt"), rating)
	return err
}

func (m *Materializer) sendAdminCopy(ctx context.Context, d Delivery, seconds string) error {
	admin := d.Recipient
	actions := Markup{Kind: MarkupAdminActions, TargetUserID: d.TargetUserID}
	label := m.texts.Text(admin, "result_admin_caption", "target", d.TargetUserID, "count", len(d.Paths), "seconds", seconds)

	switch {
	case d.GenerationType.IsVideo():
		return m.messenger.SendVideo(ctx, admin, d.Paths[0], label, actions)
	case len(d.Paths) == 1:
		return m.messenger.SendPhoto(ctx, admin, d.Paths[0], label, actions)
	}
	if err := m.messenger.SendMediaGroup(ctx, admin, d.Paths, label); err != nil {
		return err
	}
	_, err := m.messenger.SendText(ctx, admin, label, actions)
	return err
}
