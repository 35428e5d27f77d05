package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxapientia/alphacore/pkg/types"
)

// Logger is the process-wide operator logger. Job logs are separate
// append-only files fed through the redaction layer; this logger never
// carries guest or tool output.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config holds logging configuration
type Config struct {
	// Level is a zerolog level name (debug, info, warn, error); anything
	// unparsable falls back to info
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init rebuilds the operator logger from configuration. The level is scoped
// to this logger rather than set globally, so guest-side serial loggers keep
// their own verbosity.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorker creates a child logger for one pool worker
func WithWorker(worker int) zerolog.Logger {
	return Logger.With().Str("component", "pool").Int("worker", worker).Logger()
}

// ForJob creates a child logger carrying a job's identity: job and task ids,
// the queue sequence number once assigned, and the TAP device while the job
// holds one.
func ForJob(job *types.Job) zerolog.Logger {
	ctx := Logger.With().
		Str("job_id", job.ID).
		Str("task_id", job.TaskID)
	if job.Seq > 0 {
		ctx = ctx.Uint64("seq", job.Seq)
	}
	if job.TAPDevice != "" {
		ctx = ctx.Str("tap_device", job.TAPDevice)
	}
	return ctx.Logger()
}

// ForTask creates a child logger scoped to a task id, used by the lookup
// surface where no single job is in play
func ForTask(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}
