package preflight

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"

	"chunkpipe/internal/config"
	"chunkpipe/internal/crawler"
	"chunkpipe/internal/queue"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFreeDisk verifies that the filesystem holding path has at least minFree
// bytes free. A missing path is measured at its closest existing parent.
func CheckFreeDisk(name, path string, minFree datasize.ByteSize) Result {
	target := existingAncestor(path)
	if target == "" {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: no existing parent)", path)}
	}
	usage, err := disk.Usage(target)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: disk usage: %v)", target, err)}
	}
	free := datasize.ByteSize(usage.Free)
	if free < minFree {
		return Result{Name: name, Detail: fmt.Sprintf("%s free, need %s", free.HR(), minFree.HR())}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s free", free.HR())}
}

func existingAncestor(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	current := filepath.Clean(path)
	for {
		if _, err := os.Stat(current); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// CheckCrawler verifies the crawler command template parses and its binary
// is on PATH.
func CheckCrawler(cfg config.Crawler) Result {
	const name = "Crawler"

	cmd, err := crawler.NewCommand(cfg, nil)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	path, err := exec.LookPath(cmd.Binary())
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not found on PATH)", cmd.Binary())}
	}
	return Result{Name: name, Passed: true, Detail: path}
}

// CheckBlobTarget verifies the configured upload target is usable. Filesystem
// targets need a writable directory; HTTP targets must answer a HEAD request
// without rejecting the token.
func CheckBlobTarget(ctx context.Context, cfg config.Blob) Result {
	const name = "Blob target"

	switch cfg.Backend {
	case config.BlobBackendFS, "":
		return CheckDirectoryAccess(name, cfg.Dir)
	case config.BlobBackendHTTP:
		return checkHTTPBlob(ctx, cfg)
	default:
		return Result{Name: name, Detail: fmt.Sprintf("unsupported backend %q", cfg.Backend)}
	}
}

func checkHTTPBlob(ctx context.Context, cfg config.Blob) Result {
	const name = "Blob target"

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return Result{Name: name, Detail: "missing endpoint"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, endpoint, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("reachability check failed (%v)", err)}
	}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Name: name, Detail: "reachability check timed out"}
		}
		return Result{Name: name, Detail: fmt.Sprintf("reachability check failed (%v)", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Result{Name: name, Detail: fmt.Sprintf("auth failed (%d)", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return Result{Name: name, Detail: fmt.Sprintf("server error (%d)", resp.StatusCode)}
	default:
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s reachable", endpoint)}
	}
}

// CheckStore opens the configured status repository and reads its stats.
func CheckStore(ctx context.Context, cfg *config.Config) Result {
	const name = "Status store"

	repo, err := queue.Open(ctx, cfg)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", queue.Describe(cfg), err)}
	}
	defer repo.Close()

	stats, err := repo.Stats(ctx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", queue.Describe(cfg), err)}
	}
	total := queue.Summarize(stats).Total
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%d chunks)", queue.Describe(cfg), total)}
}
