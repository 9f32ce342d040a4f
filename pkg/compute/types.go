// Package compute is the client side of the embedding compute service: batch
// and single submission, task status polling, job status push over NATS and
// health probes. Every response is normalized into the canonical types below
// before it leaves this package.
package compute

// TaskState is the lifecycle state of one remote embedding task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s TaskState) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// TaskStatus is a normalized status snapshot for one task.
type TaskStatus struct {
	TaskID    string    `json:"task_id"`
	ChunkID   string    `json:"chunk_id,omitempty"`
	State     TaskState `json:"state"`
	Progress  float64   `json:"progress,omitempty"` // 0..1
	Embedding []float32 `json:"embedding,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// BatchItem is one text submitted for embedding.
type BatchItem struct {
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text"`
}

// BatchReceipt is the service's answer to a batch submission.
type BatchReceipt struct {
	BatchID string
	// TaskIDs maps chunk id to task id, one entry per submitted item.
	TaskIDs map[string]string
}

// JobState is the aggregate state reported on the push channel.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobUpdate is a normalized push message for a job.
type JobUpdate struct {
	JobID   string
	BatchID string
	State   JobState
	Tasks   []TaskStatus
	Error   string
}
