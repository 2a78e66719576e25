package scanning

import (
	"encoding/json"
	"time"
)

// ProgressRecord is the point-in-time status of one scan session as exposed
// to polling clients. There is exactly one live record per session id; the
// owning session task is the single logical writer, while any number of
// pollers may read it concurrently.
//
// Progress is an integer percent in [0,100] and never regresses within a
// session: the download phase contributes 0-50 and the verification phase
// 50-100. FilesProcessed advances monotonically and never exceeds TotalFiles.
type ProgressRecord struct {
	SessionID      string          `json:"sessionId"`
	Stage          Stage           `json:"stage"`
	Message        string          `json:"message"`
	Progress       int             `json:"progress"`
	FilesProcessed int             `json:"filesProcessed,omitempty"`
	TotalFiles     int             `json:"totalFiles,omitempty"`
	CurrentFile    string          `json:"currentFile,omitempty"`
	Error          string          `json:"error,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	FailedFiles    []string        `json:"failedFiles,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ProgressUpdate carries a partial set of fields to merge into a session's
// record. Nil fields are left untouched, which lets heartbeats republish a
// record without knowing its full current contents.
type ProgressUpdate struct {
	Stage          *Stage
	Message        *string
	Progress       *int
	FilesProcessed *int
	TotalFiles     *int
	CurrentFile    *string
	Error          *string
	Data           json.RawMessage
	FailedFiles    []string
}

// Apply merges u into r and stamps the write time. Monotonic fields are
// clamped so a late or out-of-order write can never make Progress or
// FilesProcessed regress. A stage change that violates the lifecycle rules
// rejects the whole update with ErrInvalidStageTransition, leaving the record
// untouched; in particular a terminal record can never be resurrected by a
// late writer. A brand new record accepts any first stage.
func (r *ProgressRecord) Apply(u ProgressUpdate, now time.Time) error {
	if u.Stage != nil && *u.Stage != r.Stage {
		if r.Stage != "" {
			if err := r.Stage.ValidateTransition(*u.Stage); err != nil {
				return err
			}
		}
		r.Stage = *u.Stage
	}
	if u.Message != nil {
		r.Message = *u.Message
	}
	if u.Progress != nil && *u.Progress > r.Progress {
		p := *u.Progress
		if p > 100 {
			p = 100
		}
		r.Progress = p
	}
	if u.TotalFiles != nil {
		r.TotalFiles = *u.TotalFiles
	}
	if u.FilesProcessed != nil && *u.FilesProcessed > r.FilesProcessed {
		fp := *u.FilesProcessed
		if r.TotalFiles > 0 && fp > r.TotalFiles {
			fp = r.TotalFiles
		}
		r.FilesProcessed = fp
	}
	if u.CurrentFile != nil {
		r.CurrentFile = *u.CurrentFile
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	if u.Data != nil {
		r.Data = u.Data
	}
	if u.FailedFiles != nil {
		r.FailedFiles = u.FailedFiles
	}
	r.Timestamp = now
	return nil
}

// Helpers to build pointer fields for ProgressUpdate literals.

// StagePtr returns a pointer to s.
func StagePtr(s Stage) *Stage { return &s }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }
