// Package archive ships finished collector files to a remote endpoint and
// removes them locally once the upload is confirmed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/KevinKickass/moldsim/internal/auth"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const serviceSubject = "moldsim-archiver"

// TokenIssuer signs the bearer token sent with every upload.
type TokenIssuer interface {
	IssueServiceToken(subject, role string) (string, error)
}

type Options struct {
	Dirs       []string
	Endpoint   string
	MaxRetries uint64
	Timeout    time.Duration
}

type Result struct {
	Uploaded []string
	Failed   []string
}

type Uploader struct {
	opts   Options
	client *http.Client
	tokens TokenIssuer
	logger *zap.Logger

	newBackOff func() backoff.BackOff
}

func NewUploader(opts Options, tokens TokenIssuer, logger *zap.Logger) (*Uploader, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("archive endpoint is required")
	}
	if _, err := url.Parse(opts.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid archive endpoint: %w", err)
	}

	return &Uploader{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		tokens: tokens,
		logger: logger,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}, nil
}

// Pending lists the *.csv files of dir oldest first, without the newest one,
// which may still be written.
func Pending(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}

	type entry struct {
		path  string
		mtime time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.Mode().IsRegular() {
			entries = append(entries, entry{path: path, mtime: info.ModTime()})
		}
	}

	if len(entries) < 2 {
		return nil, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].mtime.Equal(entries[j].mtime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].mtime.Before(entries[j].mtime)
	})

	pending := make([]string, 0, len(entries)-1)
	for _, e := range entries[:len(entries)-1] {
		pending = append(pending, e.path)
	}
	return pending, nil
}

// RunOnce uploads the pending files of every directory. A failed file is
// logged and kept for the next pass.
func (u *Uploader) RunOnce(ctx context.Context) (Result, error) {
	var result Result
	for _, dir := range u.opts.Dirs {
		pending, err := Pending(dir)
		if err != nil {
			return result, fmt.Errorf("failed to list %s: %w", dir, err)
		}

		for _, path := range pending {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			if err := u.uploadWithRetry(ctx, path); err != nil {
				u.logger.Error("Upload failed, keeping file",
					zap.String("file", path),
					zap.Error(err))
				result.Failed = append(result.Failed, path)
				continue
			}

			if err := os.Remove(path); err != nil {
				u.logger.Warn("Uploaded file could not be removed",
					zap.String("file", path),
					zap.Error(err))
			}
			u.logger.Info("File archived", zap.String("file", path))
			result.Uploaded = append(result.Uploaded, path)
		}
	}
	return result, nil
}

// Run calls RunOnce every interval until ctx is done.
func (u *Uploader) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := u.RunOnce(ctx); err != nil && ctx.Err() == nil {
			u.logger.Error("Archive pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (u *Uploader) uploadWithRetry(ctx context.Context, path string) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if u.opts.MaxRetries > 0 {
		// WithMaxRetries treats 0 as unlimited
		b = backoff.WithMaxRetries(u.newBackOff(), u.opts.MaxRetries)
	}
	b = backoff.WithContext(b, ctx)

	return backoff.RetryNotify(func() error {
		return u.upload(ctx, path)
	}, b, func(err error, next time.Duration) {
		u.logger.Warn("Upload attempt failed",
			zap.String("file", path),
			zap.Duration("retry_in", next),
			zap.Error(err))
	})
}

func (u *Uploader) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to open %s: %w", path, err))
	}
	defer f.Close()

	target := strings.TrimRight(u.opts.Endpoint, "/") + "/" + url.PathEscape(filepath.Base(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "text/csv")

	if u.tokens != nil {
		token, err := u.tokens.IssueServiceToken(serviceSubject, auth.RoleArchiver)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to issue upload token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err = fmt.Errorf("upload of %s rejected: %s", path, resp.Status)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
