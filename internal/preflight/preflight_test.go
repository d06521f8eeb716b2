package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c2h5oh/datasize"

	"chunkpipe/internal/config"
	"chunkpipe/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if !strings.Contains(result.Detail, "does not exist") {
		t.Fatalf("unexpected detail: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckDirectoryAccess_Empty(t *testing.T) {
	if result := CheckDirectoryAccess("test", " "); result.Passed {
		t.Fatal("expected failure for unset path")
	}
}

func TestCheckFreeDisk(t *testing.T) {
	dir := t.TempDir()
	if result := CheckFreeDisk("disk", dir, 1*datasize.KB); !result.Passed {
		t.Fatalf("expected pass with tiny minimum, got: %s", result.Detail)
	}
	if result := CheckFreeDisk("disk", dir, 1<<62); result.Passed {
		t.Fatal("expected failure with absurd minimum")
	}
}

func TestCheckFreeDisk_MissingPathUsesParent(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "not", "yet", "created")
	result := CheckFreeDisk("disk", missing, 1)
	if !result.Passed {
		t.Fatalf("expected parent to be measured, got: %s", result.Detail)
	}
}

func TestCheckCrawler(t *testing.T) {
	ok := CheckCrawler(config.Crawler{Command: "sh -c 'true' crawler {dest}"})
	if !ok.Passed {
		t.Fatalf("expected sh to be found, got: %s", ok.Detail)
	}

	missing := CheckCrawler(config.Crawler{Command: "definitely-not-a-crawler-binary {dest}"})
	if missing.Passed || !strings.Contains(missing.Detail, "not found") {
		t.Fatalf("expected missing binary failure, got: %+v", missing)
	}

	noDest := CheckCrawler(config.Crawler{Command: "sh -c true"})
	if noDest.Passed {
		t.Fatal("expected failure when {dest} is absent")
	}
}

func TestCheckBlobTarget_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	good := CheckBlobTarget(context.Background(), config.Blob{Backend: config.BlobBackendHTTP, Endpoint: srv.URL, Token: "good"})
	if !good.Passed {
		t.Fatalf("expected pass, got: %s", good.Detail)
	}
	bad := CheckBlobTarget(context.Background(), config.Blob{Backend: config.BlobBackendHTTP, Endpoint: srv.URL, Token: "bad"})
	if bad.Passed || !strings.Contains(bad.Detail, "auth failed") {
		t.Fatalf("expected auth failure, got: %+v", bad)
	}
}

func TestCheckBlobTarget_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	result := CheckBlobTarget(context.Background(), config.Blob{Backend: config.BlobBackendHTTP, Endpoint: srv.URL})
	if result.Passed {
		t.Fatal("expected failure on 502")
	}
}

func TestCheckStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	result := CheckStore(context.Background(), cfg)
	if !result.Passed {
		t.Fatalf("expected sqlite store to open, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "0 chunks") {
		t.Fatalf("unexpected detail: %s", result.Detail)
	}
}

func TestRunAll(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithDedupeAction(config.ActionQuarantine))
	cfg.Crawler.Command = "sh -c 'true' crawler {dest}"
	cfg.Workflow.MinFreeDisk = 1

	results := RunAll(context.Background(), cfg)
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d: %+v", len(results), results)
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("expected all checks to pass, got: %+v", failed)
	}

	cfg.Crawler.Command = ""
	failed := Failed(RunAll(context.Background(), cfg))
	if len(failed) != 1 || failed[0].Name != "Crawler" {
		t.Fatalf("expected only the crawler check to fail, got: %+v", failed)
	}
}
