package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/luxapientia/alphacore/pkg/archive"
	"github.com/luxapientia/alphacore/pkg/metrics"
	"github.com/luxapientia/alphacore/pkg/queue"
	"github.com/luxapientia/alphacore/pkg/types"
)

// SubmitRequest is the POST /validate body. TimeoutS is a pointer so an
// explicit zero is rejected while an absent field takes the default.
type SubmitRequest struct {
	WorkspaceArchivePath string          `json:"workspace_archive_path" validate:"required,endswith=.zip"`
	TaskSpec             *types.TaskSpec `json:"task_spec" validate:"required"`
	TaskID               string          `json:"task_id"`
	TimeoutS             *int            `json:"timeout_s" validate:"omitnil,min=1,max=600"`
	NetChecks            bool            `json:"net_checks"`
	StreamLog            bool            `json:"stream_log"`
	QuietKernel          bool            `json:"quiet_kernel"`
}

// SubmitResponse is the POST /validate result
type SubmitResponse struct {
	JobID          string        `json:"job_id"`
	TaskID         string        `json:"task_id"`
	Result         *types.Result `json:"result"`
	LogURL         string        `json:"log_url"`
	LogPath        string        `json:"log_path"`
	SubmissionPath string        `json:"submission_path"`
	TAPDevice      string        `json:"tap_device"`
}

// handleSubmit is the blocking submit operation: it ingests the archive,
// enqueues the job, and returns only once the job is terminal or refused.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request: %v", err))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := uniqueInvariantIDs(req.TaskSpec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TimeoutS == nil {
		req.TimeoutS = &s.cfg.Limits.DefaultTimeoutS
	}
	if req.TaskID == "" {
		req.TaskID = "adhoc"
	}

	if !s.pool.Ready() || !s.tokens.Ready() {
		writeError(w, http.StatusServiceUnavailable, "engine not ready")
		return
	}

	job, status, err := s.ingest(&req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	if err := s.pool.Enqueue(job); err != nil {
		s.cleanupRefused(job)
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue full")
		case errors.Is(err, queue.ErrNotReady):
			writeError(w, http.StatusServiceUnavailable, "engine not ready")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if err := s.store.Create(job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to index job")
	}

	// Block until terminal. The background context keeps a disconnected
	// client's job running to completion.
	s.pool.Wait(context.Background(), job.ID)

	writeJSON(w, http.StatusOK, SubmitResponse{
		JobID:          job.ID,
		TaskID:         job.TaskID,
		Result:         job.Result,
		LogURL:         fmt.Sprintf("/validate/%s/log", job.ID),
		LogPath:        job.LogPath,
		SubmissionPath: job.SubmissionPath,
		TAPDevice:      job.TAPDevice,
	})
}

// uniqueInvariantIDs enforces that invariant ids do not repeat inside a spec
func uniqueInvariantIDs(spec *types.TaskSpec) error {
	seen := make(map[string]bool, len(spec.Invariants))
	for _, inv := range spec.Invariants {
		if inv.ID == "" {
			return fmt.Errorf("invariant with empty id")
		}
		if seen[inv.ID] {
			return fmt.Errorf("duplicate invariant id %q", inv.ID)
		}
		seen[inv.ID] = true
	}
	return nil
}

// ingest runs the synchronous pre-enqueue pipeline: resolve, validate,
// extract, sanitize, file the submission. Failures here never create a Job.
func (s *Server) ingest(req *SubmitRequest) (*types.Job, int, error) {
	resolved, err := archive.Resolve(req.WorkspaceArchivePath, s.cfg.Data.ArchiveRoot)
	if err != nil {
		switch {
		case errors.Is(err, archive.ErrOutsideRoot):
			metrics.IngestRejections.WithLabelValues("outside-root").Inc()
			return nil, http.StatusForbidden, err
		default:
			metrics.IngestRejections.WithLabelValues("bad-path").Inc()
			return nil, http.StatusBadRequest, err
		}
	}

	if info, err := os.Stat(resolved); err == nil && info.Size() > s.cfg.Limits.MaxArchiveBytes {
		metrics.IngestRejections.WithLabelValues("too-large").Inc()
		return nil, http.StatusRequestEntityTooLarge,
			fmt.Errorf("archive is %d bytes, limit %d", info.Size(), s.cfg.Limits.MaxArchiveBytes)
	}

	jobID := uuid.New().String()
	workspace := filepath.Join(s.cfg.Data.Root, "workspaces", jobID)

	lim := archive.Limits{
		MaxTotalBytes: s.cfg.Limits.MaxArchiveBytes,
		MaxEntryBytes: s.cfg.Limits.MaxEntryBytes,
		MaxEntries:    s.cfg.Limits.MaxEntries,
		MaxPathDepth:  s.cfg.Limits.MaxPathDepth,
	}
	if err := archive.Ingest(resolved, workspace, lim); err != nil {
		return nil, ingestStatus(err), err
	}

	submission := filepath.Join(s.cfg.SubmissionsDir(), req.TaskID, jobID+".zip")
	if err := copyFile(resolved, submission); err != nil {
		os.RemoveAll(workspace)
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to file submission: %w", err)
	}

	logPath := filepath.Join(s.cfg.LogsDir(), req.TaskID, jobID+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		os.RemoveAll(workspace)
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &types.Job{
		ID:             jobID,
		TaskID:         req.TaskID,
		Spec:           req.TaskSpec,
		TimeoutS:       *req.TimeoutS,
		NetChecks:      req.NetChecks,
		StreamLog:      req.StreamLog,
		QuietKernel:    req.QuietKernel,
		SubmissionPath: submission,
		WorkspacePath:  workspace,
		LogPath:        logPath,
	}, 0, nil
}

// ingestStatus maps ingestion failures to response codes and counts them
func ingestStatus(err error) int {
	switch {
	case errors.Is(err, archive.ErrTraversal):
		metrics.IngestRejections.WithLabelValues("traversal").Inc()
		return http.StatusUnprocessableEntity
	case errors.Is(err, archive.ErrSymlink):
		metrics.IngestRejections.WithLabelValues("symlink").Inc()
		return http.StatusUnprocessableEntity
	case errors.Is(err, archive.ErrTooLarge), errors.Is(err, archive.ErrEntryTooLarge):
		metrics.IngestRejections.WithLabelValues("too-large").Inc()
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, archive.ErrTooManyEntries), errors.Is(err, archive.ErrTooDeep):
		metrics.IngestRejections.WithLabelValues("limits").Inc()
		return http.StatusUnprocessableEntity
	case errors.Is(err, archive.ErrNotZip):
		metrics.IngestRejections.WithLabelValues("not-zip").Inc()
		return http.StatusBadRequest
	}
	metrics.IngestRejections.WithLabelValues("other").Inc()
	return http.StatusUnprocessableEntity
}

// cleanupRefused removes the artifacts of a submission the queue refused
func (s *Server) cleanupRefused(job *types.Job) {
	os.RemoveAll(job.WorkspacePath)
	os.Remove(job.SubmissionPath)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
