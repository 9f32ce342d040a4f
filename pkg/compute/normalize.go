package compute

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/WessleyAI/pageqa/engine/domain"
)

// fieldSet is a decoded JSON object keyed by canonical field name: lower case
// with '_' and '-' removed, so task_id, taskId and TaskID read the same.
type fieldSet map[string]json.RawMessage

func canonicalKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "").Replace(k)
}

func decodeFields(data []byte) (fieldSet, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	fs := make(fieldSet, len(raw))
	for k, v := range raw {
		ck := canonicalKey(k)
		if _, dup := fs[ck]; dup && string(v) == "null" {
			continue
		}
		fs[ck] = v
	}
	return fs, nil
}

func (f fieldSet) raw(keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := f[canonicalKey(k)]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

// str reads a string field; numeric ids are accepted and formatted.
func (f fieldSet) str(keys ...string) string {
	v, ok := f.raw(keys...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

func (f fieldSet) float(keys ...string) (float64, bool) {
	v, ok := f.raw(keys...)
	if !ok {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, false
	}
	return n, true
}

func (f fieldSet) object(keys ...string) (fieldSet, bool) {
	v, ok := f.raw(keys...)
	if !ok {
		return nil, false
	}
	fs, err := decodeFields(v)
	if err != nil {
		return nil, false
	}
	return fs, true
}

func (f fieldSet) array(keys ...string) ([]json.RawMessage, bool) {
	v, ok := f.raw(keys...)
	if !ok {
		return nil, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(v, &arr); err != nil {
		return nil, false
	}
	return arr, true
}

// vector reads an embedding given either as a flat array or as a one-element
// array of arrays.
func (f fieldSet) vector(keys ...string) ([]float32, bool) {
	v, ok := f.raw(keys...)
	if !ok {
		return nil, false
	}
	var flat []float32
	if err := json.Unmarshal(v, &flat); err == nil {
		return flat, len(flat) > 0
	}
	var nested [][]float32
	if err := json.Unmarshal(v, &nested); err == nil && len(nested) > 0 {
		return nested[0], len(nested[0]) > 0
	}
	return nil, false
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedResponse, fmt.Sprintf(format, args...))
}

func normalizeTaskState(s string) (TaskState, bool) {
	switch canonicalKey(strings.TrimSpace(s)) {
	case "pending", "queued", "submitted", "waiting":
		return TaskPending, true
	case "processing", "running", "inprogress", "started":
		return TaskProcessing, true
	case "completed", "complete", "done", "success", "succeeded":
		return TaskCompleted, true
	case "failed", "failure", "error", "errored", "cancelled", "canceled":
		return TaskFailed, true
	}
	return "", false
}

func normalizeJobState(s string) (JobState, bool) {
	switch canonicalKey(strings.TrimSpace(s)) {
	case "pending", "queued", "running", "processing", "inprogress", "started", "progress":
		return JobRunning, true
	case "completed", "complete", "done", "success", "succeeded":
		return JobCompleted, true
	case "failed", "failure", "error", "errored":
		return JobFailed, true
	}
	return "", false
}

// normalizeProgress maps a 0..100 percentage or a 0..1 fraction to 0..1.
func normalizeProgress(p float64) float64 {
	if p > 1 {
		p /= 100
	}
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ParseTaskStatus normalizes a task status payload. taskID fills in a
// missing id; a completed task must carry an embedding.
func ParseTaskStatus(data []byte, taskID string) (TaskStatus, error) {
	fs, err := decodeFields(data)
	if err != nil {
		return TaskStatus{}, err
	}
	return taskStatusFromFields(fs, taskID)
}

func taskStatusFromFields(fs fieldSet, taskID string) (TaskStatus, error) {
	st := TaskStatus{
		TaskID:  fs.str("task_id", "id"),
		ChunkID: fs.str("chunk_id"),
		Error:   fs.str("error", "error_message", "message"),
	}
	if st.TaskID == "" {
		st.TaskID = taskID
	}
	if st.TaskID == "" {
		return TaskStatus{}, malformed("task status without task id")
	}

	rawState := fs.str("status", "state")
	if rawState == "" {
		return TaskStatus{}, malformed("task %s: missing status", st.TaskID)
	}
	state, ok := normalizeTaskState(rawState)
	if !ok {
		return TaskStatus{}, malformed("task %s: unknown status %q", st.TaskID, rawState)
	}
	st.State = state

	if p, ok := fs.float("progress", "percent"); ok {
		st.Progress = normalizeProgress(p)
	}

	vec, ok := fs.vector("embedding", "embeddings", "vector")
	if !ok {
		if res, isObj := fs.object("result", "output"); isObj {
			vec, ok = res.vector("embedding", "embeddings", "vector")
		}
	}
	if ok {
		st.Embedding = vec
	}
	if st.State == TaskCompleted {
		if len(st.Embedding) == 0 {
			return TaskStatus{}, malformed("task %s: completed without embedding", st.TaskID)
		}
		st.Progress = 1
	}
	return st, nil
}

// ParseBatchReceipt normalizes a batch submission response. Task ids are
// matched to items by chunk id when the service echoes it, otherwise by
// position.
func ParseBatchReceipt(data []byte, items []BatchItem) (BatchReceipt, error) {
	fs, err := decodeFields(data)
	if err != nil {
		return BatchReceipt{}, err
	}
	rec := BatchReceipt{
		BatchID: fs.str("batch_id", "id"),
		TaskIDs: make(map[string]string, len(items)),
	}
	if rec.BatchID == "" {
		return BatchReceipt{}, malformed("batch receipt without batch id")
	}

	if ids, ok := fs.array("task_ids"); ok {
		if len(ids) != len(items) {
			return BatchReceipt{}, malformed("batch %s: %d task ids for %d items", rec.BatchID, len(ids), len(items))
		}
		for i, raw := range ids {
			var id string
			if err := json.Unmarshal(raw, &id); err != nil || id == "" {
				return BatchReceipt{}, malformed("batch %s: task id %d is not a string", rec.BatchID, i)
			}
			rec.TaskIDs[items[i].ChunkID] = id
		}
		return rec, nil
	}

	tasks, ok := fs.array("tasks")
	if !ok {
		return BatchReceipt{}, malformed("batch %s: no task ids", rec.BatchID)
	}
	if len(tasks) != len(items) {
		return BatchReceipt{}, malformed("batch %s: %d tasks for %d items", rec.BatchID, len(tasks), len(items))
	}
	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.ChunkID] = true
	}
	for i, raw := range tasks {
		tf, err := decodeFields(raw)
		if err != nil {
			return BatchReceipt{}, err
		}
		id := tf.str("task_id", "id")
		if id == "" {
			return BatchReceipt{}, malformed("batch %s: task %d without id", rec.BatchID, i)
		}
		chunkID := tf.str("chunk_id")
		if !known[chunkID] {
			chunkID = items[i].ChunkID
		}
		rec.TaskIDs[chunkID] = id
	}
	if len(rec.TaskIDs) != len(items) {
		return BatchReceipt{}, malformed("batch %s: duplicate chunk ids in receipt", rec.BatchID)
	}
	return rec, nil
}

// ParseSubmitReceipt extracts the task id from a single submission response.
func ParseSubmitReceipt(data []byte) (string, error) {
	fs, err := decodeFields(data)
	if err != nil {
		return "", err
	}
	id := fs.str("task_id", "id")
	if id == "" {
		if ids, ok := fs.array("task_ids"); ok && len(ids) == 1 {
			_ = json.Unmarshal(ids[0], &id)
		}
	}
	if id == "" {
		return "", malformed("submit receipt without task id")
	}
	return id, nil
}

// ParseJobUpdate normalizes a push message. A message is either a job
// snapshot (job status plus task snapshots at the top level or nested per
// batch) or a single task event carrying a task id, in which case the job is
// still running unless a separate job status is given. Task entries that fail
// to normalize are dropped rather than failing the whole update.
func ParseJobUpdate(data []byte) (JobUpdate, error) {
	fs, err := decodeFields(data)
	if err != nil {
		return JobUpdate{}, err
	}
	taskID := fs.str("task_id")
	u := JobUpdate{
		JobID:   fs.str("job_id"),
		BatchID: fs.str("batch_id"),
	}

	rawState := fs.str("job_status", "job_state")
	switch {
	case rawState != "":
	case taskID != "":
		rawState = string(JobRunning)
	default:
		rawState = fs.str("status", "state", "type")
		if u.JobID == "" {
			u.JobID = fs.str("id")
		}
		u.Error = fs.str("error", "message")
	}
	if rawState == "" {
		return JobUpdate{}, malformed("job update without status")
	}
	state, ok := normalizeJobState(rawState)
	if !ok {
		return JobUpdate{}, malformed("job update: unknown status %q", rawState)
	}
	u.State = state

	u.Tasks = append(u.Tasks, parseTaskList(fs)...)
	if batches, ok := fs.array("batches"); ok {
		for _, b := range batches {
			bf, err := decodeFields(b)
			if err != nil {
				continue
			}
			u.Tasks = append(u.Tasks, parseTaskList(bf)...)
		}
	}
	if taskID != "" {
		st, err := taskStatusFromFields(fs, taskID)
		if err != nil {
			return JobUpdate{}, err
		}
		u.Tasks = append(u.Tasks, st)
	}
	return u, nil
}

func parseTaskList(fs fieldSet) []TaskStatus {
	arr, ok := fs.array("tasks")
	if !ok {
		return nil
	}
	out := make([]TaskStatus, 0, len(arr))
	for _, raw := range arr {
		tf, err := decodeFields(raw)
		if err != nil {
			continue
		}
		st, err := taskStatusFromFields(tf, "")
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}
