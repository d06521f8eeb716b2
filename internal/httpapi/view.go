package httpapi

import (
	"time"

	"chunkpipe/internal/queue"
	"chunkpipe/internal/stage"
	"chunkpipe/internal/workflow"
)

// ChunkView is the JSON shape of a chunk record.
type ChunkView struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id,omitempty"`
	Keyword       string         `json:"keyword"`
	Status        string         `json:"status"`
	Phase         string         `json:"phase,omitempty"`
	Attempts      map[string]int `json:"attempts,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ResultURL     string         `json:"result_url,omitempty"`
	Owner         string         `json:"owner,omitempty"`
	Counts        queue.Counts   `json:"counts"`
	Artifact      *ArtifactView  `json:"artifact,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
}

// ArtifactView describes the uploaded archive of a completed chunk.
type ArtifactView struct {
	SHA256  string `json:"sha256"`
	Bytes   int64  `json:"bytes"`
	Entries int    `json:"entries"`
}

// StatsView reports chunk counts per status.
type StatsView struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// WorkerView mirrors workflow.StatusSummary for the health endpoint.
type WorkerView struct {
	Running     bool          `json:"running"`
	Workers     int           `json:"workers"`
	UptimeSec   int64         `json:"uptime_seconds"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	LastError   string        `json:"last_error,omitempty"`
	LastChunkID string        `json:"last_chunk_id,omitempty"`
	Stages      []StageHealth `json:"stages,omitempty"`
}

// StageHealth is the JSON shape of stage.Health.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// NewChunkView converts a stored chunk to its JSON shape.
func NewChunkView(c *queue.Chunk) ChunkView {
	view := ChunkView{
		ID:            c.ID,
		TaskID:        c.TaskID,
		Keyword:       c.Keyword,
		Status:        string(c.Status),
		Phase:         string(c.Phase),
		Attempts:      c.Attempts,
		ErrorMessage:  c.ErrorMessage,
		ResultURL:     c.ResultURL,
		Owner:         c.Owner,
		Counts:        c.Counts,
		Metadata:      c.Metadata,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		StartedAt:     c.StartedAt,
		FinishedAt:    c.FinishedAt,
		LastHeartbeat: c.LastHeartbeat,
	}
	if c.Artifact.SHA256 != "" {
		view.Artifact = &ArtifactView{SHA256: c.Artifact.SHA256, Bytes: c.Artifact.Bytes, Entries: c.Artifact.Entries}
	}
	return view
}

// NewStatsView folds repository stats into a StatsView.
func NewStatsView(stats map[queue.Status]int) StatsView {
	summary := queue.Summarize(stats)
	return StatsView{
		Total:      summary.Total,
		Pending:    summary.Pending,
		Processing: summary.Processing,
		Completed:  summary.Completed,
		Failed:     summary.Failed,
	}
}

func workerView(s workflow.StatusSummary) *WorkerView {
	view := &WorkerView{
		Running:     s.Running,
		Workers:     s.Workers,
		UptimeSec:   int64(s.Uptime.Seconds()),
		Completed:   s.Completed,
		Failed:      s.Failed,
		LastError:   s.LastError,
		LastChunkID: s.LastChunkID,
	}
	for _, h := range s.StageHealth {
		view.Stages = append(view.Stages, stageHealth(h))
	}
	return view
}

func stageHealth(h stage.Health) StageHealth {
	return StageHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail}
}
