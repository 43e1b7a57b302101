package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeImage   JobType = "image"
	JobTypeBarcode JobType = "barcode"
	JobTypeText    JobType = "text"
)

func (t JobType) Valid() bool {
	return t == JobTypeImage || t == JobTypeBarcode || t == JobTypeText
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobError      JobStatus = "error"
)

// IsTerminal returns true for statuses that represent a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobComplete || s == JobError
}

// AnalysisJob is one queued unit of analysis work. The payload is opaque to
// the queue; only the matching strategy interprets it.
type AnalysisJob struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Type           JobType         `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"-"`
}

// ImagePayload is carried by image and barcode jobs. ImageData is the raw
// picture encoded as base64.
type ImagePayload struct {
	ImageData   string   `json:"image_data"`
	ImageFormat string   `json:"image_format,omitempty"`
	Barcode     string   `json:"barcode,omitempty"`
	Percentage  *float64 `json:"percentage,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	SipSize     string   `json:"sip_size,omitempty"`
	Servings    float64  `json:"servings,omitempty"`
	LiquidType  string   `json:"liquid_type,omitempty"`
}

// TextPayload is carried by text jobs.
type TextPayload struct {
	Description string `json:"description"`
}

// AnalysisResult is attached to a job when it completes.
type AnalysisResult struct {
	EntryID    uuid.UUID `json:"entry_id"`
	Ounces     float64   `json:"ounces"`
	LiquidType string    `json:"liquid_type"`
	Container  string    `json:"container,omitempty"`
}
