package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State is the lifecycle state of a job inside the broker.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDelayed    State = "delayed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Submission is the payload accepted by POST /api/compress.
type Submission struct {
	PostID        int64  `json:"postId"`
	MediaPath     string `json:"wpMediaPath"`
	VideoURL      string `json:"wpVideoUrl,omitempty"`
	ThumbnailPath string `json:"wpThumbnailPath,omitempty"`
	ThumbnailURL  string `json:"wpThumbnailUrl,omitempty"`
	PostURL       string `json:"wpPostUrl,omitempty"`
	Year          int    `json:"year"`
	Month         int    `json:"month"`
}

// JobID derives the deterministic broker identity for a submission.
func JobID(postID int64, enqueuedAt time.Time) string {
	return fmt.Sprintf("job_%d_%d", postID, enqueuedAt.UnixMilli())
}

// Job is the unit of work tracked by the broker.
type Job struct {
	ID         string          `json:"id"`
	Submission Submission      `json:"submission"`
	State      State           `json:"state"`
	Progress   int             `json:"progress"`
	Stage      string          `json:"stage"`
	Attempts   int             `json:"attempts"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Worker     string          `json:"worker,omitempty"`
}

func (j *Job) toHash() map[string]interface{} {
	payload, _ := json.Marshal(j.Submission)
	m := map[string]interface{}{
		"payload":    string(payload),
		"state":      string(j.State),
		"progress":   j.Progress,
		"stage":      j.Stage,
		"attempts":   j.Attempts,
		"created_at": j.CreatedAt,
		"updated_at": j.UpdatedAt,
		"error":      j.Error,
		"worker":     j.Worker,
	}
	if len(j.Result) > 0 {
		m["result"] = string(j.Result)
	}
	return m
}

func jobFromHash(id string, h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	j := &Job{ID: id}
	if err := json.Unmarshal([]byte(h["payload"]), &j.Submission); err != nil {
		return nil, fmt.Errorf("corrupt job payload for %s: %w", id, err)
	}
	j.State = State(h["state"])
	j.Progress, _ = strconv.Atoi(h["progress"])
	j.Stage = h["stage"]
	j.Attempts, _ = strconv.Atoi(h["attempts"])
	j.CreatedAt, _ = strconv.ParseInt(h["created_at"], 10, 64)
	j.UpdatedAt, _ = strconv.ParseInt(h["updated_at"], 10, 64)
	j.Error = h["error"]
	j.Worker = h["worker"]
	if r, ok := h["result"]; ok && r != "" {
		j.Result = json.RawMessage(r)
	}
	return j, nil
}

// Stats holds the queue counters reported by the health and status endpoints.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Delayed    int64 `json:"delayed"`
}
