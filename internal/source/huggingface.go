package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ekisa-team/yolo2ncnn/internal/config"
	"github.com/ekisa-team/yolo2ncnn/internal/toolchain"
)

const (
	defaultRetryDelay = 2 * time.Second
	defaultMaxRetries = 3
	defaultTimeout    = 5 * time.Minute
	markerSuffix      = ".source"
)

// DefaultCLI is the Hugging Face command-line client.
const DefaultCLI = "hf"

// InstallHint tells the user how to get the CLI.
const InstallHint = "pip install -U huggingface_hub"

// HuggingFaceDownloader downloads a checkpoint file from a Hugging Face
// repository into the executor's working directory.
type HuggingFaceDownloader struct {
	exec       *toolchain.Executor
	retryDelay time.Duration
	maxRetries int
}

// NewHuggingFaceDownloader creates a downloader running the hf CLI through exec.
func NewHuggingFaceDownloader(exec *toolchain.Executor) *HuggingFaceDownloader {
	return &HuggingFaceDownloader{
		exec:       exec,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
}

// Download fetches filename from the repository. It returns the local path
// and whether the download was skipped because a matching copy is present.
func (d *HuggingFaceDownloader) Download(ctx context.Context, src config.HuggingFaceSource, filename string) (string, bool, error) {
	repo := strings.TrimSpace(src.Repo)
	if repo == "" {
		return "", false, fmt.Errorf("invalid repo name: %q", src.Repo)
	}

	localPath := filepath.Join(d.exec.Dir(), filename)
	marker := markerPath(localPath)
	markerContent := d.markerContent(repo, src.Revision, filename)

	if !src.ForceDownload && !d.shouldRedownload(localPath, marker, markerContent) {
		slog.Info("Checkpoint already downloaded and up-to-date (marker match), skipping", "repo", repo, "path", localPath)
		return localPath, true, nil
	}

	args := []string{"download", repo, filename, "--local-dir", "."}
	if src.Revision != "" {
		args = append(args, "--revision", src.Revision)
	}
	if src.RepoType != "" {
		args = append(args, "--repo-type", src.RepoType)
	}
	if src.ForceDownload {
		args = append(args, "--force-download")
	}
	if src.Token != "" {
		args = append(args, "--token", src.Token)
	}

	var lastErr error
	for attempt := range d.maxRetries {
		if attempt > 0 {
			slog.Info("Retrying download", "repo", repo, "attempt", attempt+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", false, fmt.Errorf("download canceled: %w", ctx.Err())
			case <-time.After(d.retryDelay):
			}
		} else {
			slog.Info("Downloading checkpoint", "repo", repo, "file", filename, "path", localPath)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		inv, err := d.exec.Execute(attemptCtx, args, nil)
		cancel()

		if err == nil {
			if err := os.WriteFile(marker, []byte(markerContent), 0o644); err != nil {
				slog.Warn("Failed to write download marker", "path", marker, "error", err)
			}

			slog.Info("Checkpoint downloaded successfully", "repo", repo, "path", localPath, "attempt", attempt+1)
			return localPath, false, nil
		}

		lastErr = err
		if errors.Is(err, toolchain.ErrToolNotFound) {
			return "", false, fmt.Errorf("%w: %s: %w", toolchain.ErrDependencyMissing, d.exec.Binary(), err)
		}
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("download canceled: %w", ctx.Err())
		}

		slog.Error("Failed to download checkpoint", "repo", repo, "attempt", attempt+1, "error", err, "output", string(inv.Stderr))
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("Download timed out", "repo", repo, "attempt", attempt+1)
		}
	}

	return "", false, fmt.Errorf("download %s from %s: %w", filename, repo, lastErr)
}

func markerPath(localPath string) string {
	return filepath.Join(filepath.Dir(localPath), "."+filepath.Base(localPath)+markerSuffix)
}

// markerContent records where the checkpoint came from, so a config change
// triggers a fresh download.
func (d *HuggingFaceDownloader) markerContent(repo, revision, filename string) string {
	return fmt.Sprintf("repo: %s\nrevision: %s\nfile: %s\n", repo, revision, filename)
}

// shouldRedownload checks the checkpoint exists and its marker matches.
func (d *HuggingFaceDownloader) shouldRedownload(localPath, markerPath, expectedContent string) bool {
	if _, err := os.Stat(localPath); err != nil {
		return true
	}

	content, err := os.ReadFile(markerPath)
	if err != nil {
		slog.Debug("Marker file missing or unreadable", "path", markerPath, "error", err)
		return true
	}

	if string(content) != expectedContent {
		slog.Info("Source config changed (marker mismatch), will redownload",
			"marker_path", markerPath,
			"expected_snippet", expectedContent,
			"actual_snippet", string(content))
		return true
	}

	return false
}
