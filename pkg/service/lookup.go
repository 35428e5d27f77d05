package service

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/luxapientia/alphacore/pkg/log"
	"github.com/luxapientia/alphacore/pkg/store"
	"github.com/luxapientia/alphacore/pkg/types"
)

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	jobs := s.store.Active()
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	job, err := s.store.Get(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown job")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Shallow copy so the tail never lands on the shared record
	out := *job
	if tail, err := store.ReadLogTail(job.LogPath, s.cfg.Limits.LogTailBytes); err == nil {
		out.LogTail = tail
	}
	writeJSON(w, http.StatusOK, &out)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	job, err := s.store.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}

	max := s.cfg.Limits.LogTailBytes
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		if n < max {
			max = n
		}
	}

	tail, err := store.ReadLogTail(job.LogPath, max)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "log not yet written")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(tail))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	entries, err := s.store.ByTask(taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown task")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.ForTask(taskID).Debug().Int("submissions", len(entries)).Msg("Task lookup")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":     taskID,
		"submissions": entries,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := types.HealthStatus{
		SandboxReady: s.pool.Ready(),
		TokenReady:   s.tokens.Ready(),
		QueueDepth:   s.pool.Depth(),
		WorkersTotal: s.pool.Total(),
		WorkersIdle:  s.pool.Idle(),
	}

	code := http.StatusOK
	if !status.SandboxReady || !status.TokenReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
