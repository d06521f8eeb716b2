// Package crawler defines the image crawler contract and a command-backed
// implementation that shells out to an external crawler binary.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/shlex"

	"chunkpipe/internal/config"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/services"
)

// Placeholders substituted into the command template.
const (
	PlaceholderKeyword = "{keyword}"
	PlaceholderCount   = "{count}"
	PlaceholderDest    = "{dest}"
)

// Exit codes the crawler uses to classify failures (sysexits.h).
const (
	exitUsage       = 64
	exitDataErr     = 65
	exitUnavailable = 69
	exitTempFail    = 75
)

// Request asks for up to TargetCount images for Keyword written into Dest.
type Request struct {
	Keyword     string
	TargetCount int
	Dest        string
}

// Crawler fetches candidate images. Transient failures wrap
// services.ErrTransientNetwork; a rejected keyword wraps
// services.ErrConfiguration.
type Crawler interface {
	Fetch(ctx context.Context, req Request) ([]*imageset.Candidate, error)
}

// CommandCrawler runs an argv template per request.
type CommandCrawler struct {
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommand parses the configured template. The template must reference
// {dest} so the crawler knows where to write.
func NewCommand(cfg config.Crawler, logger *slog.Logger) (*CommandCrawler, error) {
	template := strings.TrimSpace(cfg.Command)
	if template == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "crawler", "crawler.command is not set", nil)
	}
	args, err := shlex.Split(template)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "crawler", "invalid command syntax", err)
	}
	if len(args) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "", "crawler", "crawler.command is empty", nil)
	}
	if !strings.Contains(template, PlaceholderDest) {
		return nil, services.Wrap(services.ErrConfiguration, "", "crawler", "crawler.command must include "+PlaceholderDest, nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CommandCrawler{
		args:    args,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:  logging.NewComponentLogger(logger, "crawler"),
	}, nil
}

// Binary returns the executable named by the template.
func (c *CommandCrawler) Binary() string { return c.args[0] }

// Argv renders the template for req. Substitution happens after splitting so
// keywords with spaces stay a single argument.
func (c *CommandCrawler) Argv(req Request) []string {
	replacer := strings.NewReplacer(
		PlaceholderKeyword, req.Keyword,
		PlaceholderCount, strconv.Itoa(req.TargetCount),
		PlaceholderDest, req.Dest,
	)
	out := make([]string, len(c.args))
	for i, arg := range c.args {
		out[i] = replacer.Replace(arg)
	}
	return out
}

// Fetch runs the crawler and returns whatever images it left in req.Dest.
func (c *CommandCrawler) Fetch(ctx context.Context, req Request) ([]*imageset.Candidate, error) {
	if strings.TrimSpace(req.Keyword) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "crawler", "keyword is empty", nil)
	}
	if err := os.MkdirAll(req.Dest, 0o755); err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "", "crawler", "create destination", err)
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	argv := c.Argv(req)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = 5 * time.Second

	logger := logging.WithContext(ctx, c.logger)
	logger.Debug("running crawler",
		logging.String("binary", argv[0]),
		logging.String("keyword", req.Keyword),
		logging.Int("target_count", req.TargetCount),
	)
	start := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, classify(runCtx, runErr, tail(output.String(), 512))
	}

	candidates, err := imageset.Scan(req.Dest)
	if err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "", "crawler", "scan destination", err)
	}
	if len(candidates) == 0 {
		return nil, services.Wrap(services.ErrTransientNetwork, "", "crawler", fmt.Sprintf("no images returned for %q", req.Keyword), nil)
	}
	logger.Info("crawler finished",
		logging.String(logging.FieldEventType, "crawler_finished"),
		logging.Int("images", len(candidates)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return candidates, nil
}

func classify(runCtx context.Context, err error, output string) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return services.Wrap(services.ErrTransientNetwork, "", "crawler", "crawler timed out", err)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return services.Wrap(services.ErrConfiguration, "", "crawler", "crawler binary not found", err)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return services.Wrap(services.ErrExternalTool, "", "crawler", "start crawler", err)
	}
	detail := fmt.Sprintf("exit status %d", exitErr.ExitCode())
	if output != "" {
		detail += ": " + output
	}
	switch exitErr.ExitCode() {
	case exitUnavailable, exitTempFail:
		return services.Wrap(services.ErrTransientNetwork, "", "crawler", detail, nil)
	case exitUsage, exitDataErr:
		return services.Wrap(services.ErrConfiguration, "", "crawler", detail, nil)
	default:
		return services.Wrap(services.ErrExternalTool, "", "crawler", detail, nil)
	}
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
