package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chunkpipe/internal/config"
	"chunkpipe/internal/queue"
)

const userAgent = "chunkpipe/0.1.0"

// Service defines the notification surface exposed to the pipeline.
type Service interface {
	NotifyChunkCompleted(ctx context.Context, chunkID, keyword, url string, counts queue.Counts) error
	NotifyChunkFailed(ctx context.Context, chunkID, keyword, message string) error
	NotifyWorkerSummary(ctx context.Context, completed, failed int, duration time.Duration) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// Per-event toggles in the config suppress individual notifications.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:  topic,
		client:    &http.Client{Timeout: timeout},
		completed: cfg.Notifications.Completed,
		failed:    cfg.Notifications.Failed,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	client    *http.Client
	completed bool
	failed    bool
}

func (n *ntfyService) NotifyChunkCompleted(ctx context.Context, chunkID, keyword, url string, counts queue.Counts) error {
	if !n.completed {
		return nil
	}
	message := fmt.Sprintf("✅ Chunk %s (%s): %d images archived", chunkID, strings.TrimSpace(keyword), counts.ValidRemaining)
	if counts.DuplicatesRemoved > 0 || counts.CorruptedRemoved > 0 {
		message += fmt.Sprintf(" (%d duplicates, %d rejected)", counts.DuplicatesRemoved, counts.CorruptedRemoved)
	}
	if url = strings.TrimSpace(url); url != "" {
		message += "\n" + url
	}
	return n.send(ctx, payload{
		title:   "chunkpipe - Chunk Complete",
		message: message,
		tags:    []string{"chunkpipe", "chunk", "completed"},
	})
}

func (n *ntfyService) NotifyChunkFailed(ctx context.Context, chunkID, keyword, message string) error {
	if !n.failed {
		return nil
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "unknown"
	}
	return n.send(ctx, payload{
		title:    "chunkpipe - Chunk Failed",
		message:  fmt.Sprintf("❌ Chunk %s (%s) failed: %s", chunkID, strings.TrimSpace(keyword), message),
		tags:     []string{"chunkpipe", "chunk", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyWorkerSummary(ctx context.Context, completed, failed int, duration time.Duration) error {
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	title := "chunkpipe - Worker Stopped"
	if failed > 0 {
		title = "chunkpipe - Worker Stopped (with failures)"
	}
	return n.send(ctx, payload{
		title:   title,
		message: fmt.Sprintf("Processed %d chunks (%d failed) in %s", completed+failed, failed, duration),
		tags:    []string{"chunkpipe", "worker", "summary"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "chunkpipe - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"chunkpipe", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyChunkCompleted(context.Context, string, string, string, queue.Counts) error {
	return nil
}
func (noopService) NotifyChunkFailed(context.Context, string, string, string) error { return nil }
func (noopService) NotifyWorkerSummary(context.Context, int, int, time.Duration) error {
	return nil
}
func (noopService) TestNotification(context.Context) error { return nil }
