package db

// Schema defines the SQLite schema for flash history: one row per run and
// one row per destination of that run, in completion order.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    image_path TEXT NOT NULL,
    image_sha256 TEXT,
    status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed')),
    destinations TEXT NOT NULL,
    error_message TEXT,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS device_results (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    device TEXT NOT NULL,
    position INTEGER NOT NULL,
    success INTEGER NOT NULL,
    checksums TEXT,
    bytes_written INTEGER,
    error_message TEXT,
    error_code TEXT,
    PRIMARY KEY (run_id, device)
);
`

// Status constants
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one flash job.
type Run struct {
	ID           string         `json:"id" yaml:"id"`
	ImagePath    string         `json:"imagePath" yaml:"image_path"`
	ImageSHA256  string         `json:"imageSha256,omitempty" yaml:"image_sha256,omitempty"`
	Status       string         `json:"status" yaml:"status"`
	Destinations []string       `json:"destinations" yaml:"destinations"`
	ErrorMessage string         `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt    string         `json:"startedAt" yaml:"started_at"`
	FinishedAt   string         `json:"finishedAt,omitempty" yaml:"finished_at,omitempty"`
	Results      []DeviceResult `json:"results,omitempty" yaml:"results,omitempty"`
}

// DeviceResult is the recorded outcome of one destination.
type DeviceResult struct {
	Device       string            `json:"device" yaml:"device"`
	Position     int               `json:"position" yaml:"position"`
	Success      bool              `json:"success" yaml:"success"`
	Checksums    map[string]string `json:"checksums,omitempty" yaml:"checksums,omitempty"`
	BytesWritten int64             `json:"bytesWritten,omitempty" yaml:"bytes_written,omitempty"`
	ErrorMessage string            `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorCode    string            `json:"code,omitempty" yaml:"code,omitempty"`
}
