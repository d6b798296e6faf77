package model

import (
	"encoding/json"
	"errors"
)

// SessionState is the load state of the model on an accelerator slot.
type SessionState string

const (
	SessionStateUnloaded  SessionState = "unloaded"
	SessionStateLoading   SessionState = "loading"
	SessionStateReady     SessionState = "ready"
	SessionStateUnloading SessionState = "unloading"
)

var (
	// ErrModelLoadFailed is returned when the backend cannot load the requested model.
	ErrModelLoadFailed = errors.New("model load failed")
	// ErrModelUnloadFailed is returned when the backend cannot release the loaded model.
	ErrModelUnloadFailed = errors.New("model unload failed")
	// ErrSessionNotReady is returned when chunks are requested without a ready session for the model.
	ErrSessionNotReady = errors.New("model session not ready")
	// ErrSessionBusy is returned when a session is bound to a different job.
	ErrSessionBusy = errors.New("model session bound to another job")
)

// ModelSession is a point-in-time view of a slot's loaded model.
type ModelSession struct {
	SlotID      string       `json:"slot_id"`
	ModelID     string       `json:"model_id,omitempty"`
	State       SessionState `json:"state"`
	ActiveJobID string       `json:"active_job_id,omitempty"`
}

// ReadyFor reports whether the session can execute chunks for the model.
func (s ModelSession) ReadyFor(modelID string) bool {
	return s.State == SessionStateReady && s.ModelID == modelID && modelID != ""
}

// InferenceRequest is one line of a job's input.
type InferenceRequest struct {
	Index    int             `json:"-"`
	CustomID string          `json:"custom_id,omitempty"`
	Body     json.RawMessage `json:"body"`
}

// InferenceResponse is the backend's answer for one request.
// A non-empty Error marks a per-request failure.
type InferenceResponse struct {
	CustomID string          `json:"custom_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// RequestResult is the committed outcome of one request.
type RequestResult struct {
	BatchJobID string          `json:"batch_job_id" db:"batch_job_id"`
	Index      int             `json:"index"        db:"idx"`
	CustomID   string          `json:"custom_id"    db:"custom_id"`
	OK         bool            `json:"ok"           db:"ok"`
	Response   json.RawMessage `json:"response"     db:"response"`
	Error      string          `json:"error"        db:"error"`
}

// ChunkCommit carries everything persisted for one executed chunk.
type ChunkCommit struct {
	JobID      string
	FromCursor int
	Results    []RequestResult
}

// ToCursor returns the checkpoint value after the commit.
func (c ChunkCommit) ToCursor() int {
	return c.FromCursor + len(c.Results)
}

// Counts returns the completed and failed deltas of the commit.
func (c ChunkCommit) Counts() (completed, failed int) {
	for _, r := range c.Results {
		if r.OK {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed
}

// ResultConsistency is what recovery compares against a job's checkpoint.
// MinIndex and MaxIndex are -1 when no rows exist.
type ResultConsistency struct {
	Checkpoint int
	Total      int
	Completed  int
	Failed     int
	ResultRows int
	MinIndex   int
	MaxIndex   int
}

// ErrCheckpointConflict is returned when a chunk commit races another writer of the same job.
var ErrCheckpointConflict = errors.New("checkpoint conflict")

// ResultQuery pages committed results in index order.
type ResultQuery struct {
	JobID      string
	OK         *bool
	AfterIndex int
	Limit      int
}

// ExportRefs locates the files produced for a finished job.
type ExportRefs struct {
	OutputRef string `json:"output_ref,omitempty"`
	ErrorRef  string `json:"error_ref,omitempty"`
}
