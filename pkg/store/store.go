package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/luxapientia/alphacore/pkg/log"
	"github.com/luxapientia/alphacore/pkg/types"
)

// ErrNotFound is returned for unknown job or task ids
var ErrNotFound = errors.New("not found")

var (
	// Bucket names
	bucketTasks = []byte("tasks")
	bucketJobs  = []byte("jobs")
)

// TaskEntry is one submission filed under a task id
type TaskEntry struct {
	JobID          string    `json:"job_id"`
	SubmissionPath string    `json:"submission_path"`
	LogPath        string    `json:"log_path"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Store keeps job records in memory for their TTL, indexes them by task in
// bbolt, and persists terminal records as jobs/<id>.json. Files are written
// via staging + rename so a record is never partially observed.
type Store struct {
	db      *bolt.DB
	jobsDir string
	ttl     time.Duration
	logger  zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]*types.Job

	stopCh chan struct{}
}

// Open creates the store, its directories and the bbolt index
func Open(indexPath, jobsDir string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(indexPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		jobsDir: jobsDir,
		ttl:     ttl,
		logger:  log.WithComponent("store"),
		jobs:    make(map[string]*types.Job),
		stopCh:  make(chan struct{}),
	}
	go s.pruneLoop()
	return s, nil
}

// Close stops pruning and closes the index
func (s *Store) Close() error {
	close(s.stopCh)
	return s.db.Close()
}

// Create registers a new job and files it under its task id. The job is
// visible via Get from this point on.
func (s *Store) Create(job *types.Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	entry := TaskEntry{
		JobID:          job.ID,
		SubmissionPath: job.SubmissionPath,
		LogPath:        job.LogPath,
		EnqueuedAt:     job.EnqueuedAt,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		var entries []TaskEntry
		if data := b.Get([]byte(job.TaskID)); data != nil {
			if err := json.Unmarshal(data, &entries); err != nil {
				return err
			}
		}
		entries = append(entries, entry)
		data, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.TaskID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

// Update persists the job's current state. Terminal jobs are additionally
// written to jobs/<id>.json and summarized in the index.
func (s *Store) Update(job *types.Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	if !job.Terminal() {
		return nil
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	path := filepath.Join(s.jobsDir, job.ID+".json")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist job record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to index job record: %w", err)
	}
	return nil
}

// Get returns a job by id, falling back to the persisted record after the
// in-memory TTL has expired.
func (s *Store) Get(id string) (*types.Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if ok {
		return job, nil
	}

	var data []byte
	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketJobs).Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if data == nil {
		return nil, ErrNotFound
	}

	var persisted types.Job
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("failed to decode persisted job: %w", err)
	}
	return &persisted, nil
}

// Active returns jobs currently queued or running
func (s *Store) Active() []*types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Job
	for _, job := range s.jobs {
		if job.Status == types.JobStatusQueued || job.Status == types.JobStatusRunning {
			out = append(out, job)
		}
	}
	return out
}

// ByTask returns the submissions filed under a task id, in submission order
func (s *Store) ByTask(taskID string) ([]TaskEntry, error) {
	var entries []TaskEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &entries)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// pruneLoop drops terminal jobs from memory after the TTL; persisted records
// remain for operator inspection.
func (s *Store) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.prune()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) prune() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if job.Terminal() && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

// ReadLogTail returns up to max bytes from the end of a log file
func ReadLogTail(path string, max int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	size := info.Size()
	offset := int64(0)
	if size > int64(max) {
		offset = size - int64(max)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
