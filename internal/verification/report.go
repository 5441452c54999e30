package verification

import "time"

// SchemaComparison summarizes backup table coverage against the live database
type SchemaComparison struct {
	OriginalTables int `json:"original_tables"`
	BackupTables   int `json:"backup_tables"`
	MatchingTables int `json:"matching_tables"`
}

// Report is the result of verifying one backup file. The field names match
// the reports emitted by earlier tooling so existing monitoring keeps
// working.
type Report struct {
	BackupFile       string            `json:"backup_file"`
	Timestamp        time.Time         `json:"timestamp"`
	FileExists       bool              `json:"file_exists"`
	FileSizeBytes    int64             `json:"file_size_bytes"`
	Checksum         string            `json:"checksum,omitempty"`
	DatabaseReadable bool              `json:"database_readable"`
	SchemaValid      bool              `json:"schema_valid"`
	DataSampleValid  bool              `json:"data_sample_valid"`
	OverallValid     bool              `json:"overall_valid"`
	TableCount       int               `json:"table_count"`
	SchemaComparison *SchemaComparison `json:"schema_comparison,omitempty"`
	Errors           []string          `json:"errors"`
}

func (r *Report) addError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// finalize derives overall_valid from the individual checks
func (r *Report) finalize() {
	r.OverallValid = r.FileExists && r.DatabaseReadable && r.SchemaValid && r.DataSampleValid && len(r.Errors) == 0
}

// RestorationTest is the result of a trial restore into a scratch copy
type RestorationTest struct {
	BackupFile     string        `json:"backup_file"`
	Timestamp      time.Time     `json:"timestamp"`
	Success        bool          `json:"success"`
	DigestCount    int64         `json:"digest_count"`
	CopyDuration   time.Duration `json:"copy_duration_ns"`
	VerifyDuration time.Duration `json:"verify_duration_ns"`
	TotalDuration  time.Duration `json:"total_duration_ns"`
	Errors         []string      `json:"errors"`
}

// BatchResult summarizes one verification sweep over the backup directory.
// RunID ties log lines and the persisted report to one sweep.
type BatchResult struct {
	RunID             string    `json:"run_id"`
	Timestamp         time.Time `json:"timestamp"`
	Reports           []*Report `json:"reports"`
	TotalBackups      int       `json:"total_backups"`
	PassedBackups     int       `json:"passed_backups"`
	FailedBackups     int       `json:"failed_backups"`
	SuccessRate       float64   `json:"success_rate"`
	OldestBackup      string    `json:"oldest_backup,omitempty"`
	NewestBackup      string    `json:"newest_backup,omitempty"`
	TotalBackupSizeMB float64   `json:"total_backup_size_mb"`
	ReportFile        string    `json:"report_file,omitempty"`
}
