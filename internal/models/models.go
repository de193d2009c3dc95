package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the job has finished a render run.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type CombinationStatus string

const (
	CombinationStatusPending    CombinationStatus = "pending"
	CombinationStatusProcessing CombinationStatus = "processing"
	CombinationStatusCompleted  CombinationStatus = "completed"
	CombinationStatusFailed     CombinationStatus = "failed"
)

// BlockRole is the semantic slot a block fills in every combination.
type BlockRole string

const (
	RoleHook BlockRole = "hook"
	RoleBody BlockRole = "body"
	RoleCTA  BlockRole = "cta"
)

// Valid reports whether r is one of the known roles.
func (r BlockRole) Valid() bool {
	switch r {
	case RoleHook, RoleBody, RoleCTA:
		return true
	}
	return false
}

type AspectRatio string

const (
	AspectPortrait  AspectRatio = "9:16" // Stories/Reels
	AspectSquare    AspectRatio = "1:1"
	AspectVertical  AspectRatio = "3:4"
	AspectLandscape AspectRatio = "16:9" // YouTube
)

// DefaultAspectRatio is used when a job doesn't declare one.
const DefaultAspectRatio = AspectLandscape

// Resolution is a render target in pixels.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

var aspectResolutions = map[AspectRatio]Resolution{
	AspectPortrait:  {Width: 1080, Height: 1920},
	AspectSquare:    {Width: 1080, Height: 1080},
	AspectVertical:  {Width: 1080, Height: 1440},
	AspectLandscape: {Width: 1920, Height: 1080},
}

// Valid reports whether the aspect ratio has a render resolution.
func (a AspectRatio) Valid() bool {
	_, ok := aspectResolutions[a]
	return ok
}

// Resolution returns the render size for the aspect ratio, falling back to 16:9.
func (a AspectRatio) Resolution() Resolution {
	if res, ok := aspectResolutions[a]; ok {
		return res
	}
	return aspectResolutions[DefaultAspectRatio]
}

// UUIDList is an ordered list of ids stored as a JSONB array.
type UUIDList []uuid.UUID

func (l UUIDList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *UUIDList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for UUIDList: %T", value)
	}
	return json.Unmarshal(data, l)
}

// Structure is the ordered block layout of a job, stored as JSONB on the job row.
type Structure []Block

func (s Structure) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *Structure) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for Structure: %T", value)
	}
	return json.Unmarshal(data, s)
}

// Models

// Block is one ordered slot of a job. Blocks are immutable once the job exists.
type Block struct {
	ID         uuid.UUID `json:"id"`
	Role       BlockRole `json:"type"`
	CustomName string    `json:"custom_name,omitempty"`
	Position   int       `json:"position"`
}

// Label is the display name used in filenames and logs.
func (b Block) Label() string {
	if b.CustomName != "" {
		return b.CustomName
	}
	return string(b.Role)
}

type SourceVideo struct {
	ID              uuid.UUID `json:"id"`
	JobID           uuid.UUID `json:"job_id"`
	BlockID         uuid.UUID `json:"block_id"`
	Role            BlockRole `json:"type"`
	Filename        string    `json:"filename"`
	URL             string    `json:"url"`
	DurationSeconds float64   `json:"duration"`
	FileSize        int64     `json:"file_size"`
	Position        int       `json:"position"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

type Combination struct {
	ID             uuid.UUID         `json:"id"`
	JobID          uuid.UUID         `json:"job_id"`
	Ordinal        int               `json:"ordinal"`
	VideoIDs       UUIDList          `json:"video_ids"`
	OutputFilename string            `json:"output_filename"`
	Status         CombinationStatus `json:"status"`
	OutputURL      *string           `json:"output_url,omitempty"`
	ErrorMessage   *string           `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type Job struct {
	ID                uuid.UUID   `json:"id"`
	Name              *string     `json:"name,omitempty"`
	Status            JobStatus   `json:"status"`
	TotalCombinations int         `json:"total_combinations"`
	ProcessedCount    int         `json:"processed_count"`
	AspectRatio       AspectRatio `json:"aspect_ratio"`
	Structure         Structure   `json:"structure"`
	ArchiveURL        *string     `json:"archive_url,omitempty"`
	ErrorMessage      *string     `json:"error_message,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// DTOs for API requests/responses

type VideoInput struct {
	Filename string  `json:"filename"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
	FileSize int64   `json:"file_size"`
}

type BlockInput struct {
	BlockID    *uuid.UUID   `json:"block_id,omitempty"`
	Type       BlockRole    `json:"type"`
	CustomName string       `json:"custom_name,omitempty"`
	Videos     []VideoInput `json:"videos"`
}

type CreateJobRequest struct {
	Name        *string      `json:"name,omitempty"`
	AspectRatio AspectRatio  `json:"aspect_ratio,omitempty"` // Default: "16:9"
	Structure   []BlockInput `json:"structure"`
}

type CreateJobResponse struct {
	JobID             uuid.UUID `json:"job_id"`
	TotalCombinations int       `json:"total_combinations"`
	Status            JobStatus `json:"status"`
}

type JobResponse struct {
	Job          Job           `json:"job"`
	Combinations []Combination `json:"combinations"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
}

type ListJobsResponse struct {
	Jobs  []Job `json:"jobs"`
	Limit int   `json:"limit"`
}
