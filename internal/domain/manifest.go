package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManifestFileType enumerates the supported manifest layouts.
type ManifestFileType string

const (
	ManifestFileTypeCSV   ManifestFileType = "csv"
	ManifestFileTypeTSV   ManifestFileType = "tsv"
	ManifestFileTypeS5cmd ManifestFileType = "s5cmd"
	ManifestFileTypeJSON  ManifestFileType = "json"
	ManifestFileTypeXLSX  ManifestFileType = "xlsx"
)

// Extension returns the file extension for the type.
func (t ManifestFileType) Extension() string {
	if t == ManifestFileTypeS5cmd {
		return "s5cmd"
	}
	return string(t)
}

// MimeType returns the content type served for the type.
func (t ManifestFileType) MimeType() string {
	switch t {
	case ManifestFileTypeCSV:
		return "text/csv"
	case ManifestFileTypeTSV:
		return "text/tab-separated-values"
	case ManifestFileTypeJSON:
		return "application/json"
	case ManifestFileTypeXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/plain"
}

// Valid reports whether the type is known.
func (t ManifestFileType) Valid() bool {
	switch t {
	case ManifestFileTypeCSV, ManifestFileTypeTSV, ManifestFileTypeS5cmd, ManifestFileTypeJSON, ManifestFileTypeXLSX:
		return true
	}
	return false
}

// ManifestFileTypeFromName infers the type from a file name's extension.
// Unknown extensions yield an invalid type.
func ManifestFileTypeFromName(name string) ManifestFileType {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return ManifestFileType(strings.ToLower(name[i+1:]))
}

// ManifestJobStatus captures lifecycle state for an offloaded manifest job.
type ManifestJobStatus string

const (
	ManifestJobStatusPending   ManifestJobStatus = "PENDING"
	ManifestJobStatusPublished ManifestJobStatus = "PUBLISHED"
	ManifestJobStatusFailed    ManifestJobStatus = "FAILED"
)

// ManifestJob is the descriptor handed to the job queue for large manifests.
// Params hold the bound values for the placeholders in Query.
type ManifestJob struct {
	ID           uuid.UUID         `json:"id"`
	Query        string            `json:"query"`
	Params       []any             `json:"params"`
	FileName     string            `json:"file_name"`
	Header       []string          `json:"header"`
	HeaderLines  []string          `json:"header_lines,omitempty"`
	FileType     ManifestFileType  `json:"file_type"`
	RowsEstimate int64             `json:"rows_estimate"`
	Status       ManifestJobStatus `json:"status"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// Encode marshals the descriptor for publishing.
func (j ManifestJob) Encode() ([]byte, error) {
	if j.Params == nil {
		j.Params = []any{}
	}
	return json.Marshal(j)
}

// DecodeManifestJob unmarshals a published descriptor.
func DecodeManifestJob(data []byte) (ManifestJob, error) {
	var job ManifestJob
	if err := json.Unmarshal(data, &job); err != nil {
		return ManifestJob{}, err
	}
	return job, nil
}
