package store

import (
	"time"
)

const (
	ResultCat   = "cat"
	ResultDog   = "dog"
	ResultError = "error"

	// DefaultTable is the relation holding prediction records.
	DefaultTable = "predictions_feedback"

	// MaxCommentLength bounds user_comment, in characters.
	MaxCommentLength = 500
	// MaxFilenameLength matches the filename column width.
	MaxFilenameLength = 255
)

// PredictionRecord is one logged inference attempt.
type PredictionRecord struct {
	ID               uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CreatedAt        time.Time `gorm:"column:created_at;not null;index:idx_predictions_feedback_created_at" json:"timestamp"`
	InferenceTimeMs  int       `gorm:"column:inference_time_ms;not null;check:check_inference_time,inference_time_ms >= 0" json:"inference_time_ms"`
	Success          bool      `gorm:"column:success;not null" json:"success"`
	PredictionResult string    `gorm:"column:prediction_result;type:varchar(10);not null;check:check_prediction_result,prediction_result IN ('cat', 'dog', 'error')" json:"prediction_result"`
	ProbaCat         float64   `gorm:"column:proba_cat;type:decimal(5,2);not null;check:check_proba_cat,proba_cat >= 0 AND proba_cat <= 100" json:"proba_cat"`
	ProbaDog         float64   `gorm:"column:proba_dog;type:decimal(5,2);not null;check:check_proba_dog,proba_dog >= 0 AND proba_dog <= 100" json:"proba_dog"`
	RGPDConsent      bool      `gorm:"column:rgpd_consent;not null;default:false" json:"rgpd_consent"`
	Filename         *string   `gorm:"column:filename;type:varchar(255)" json:"filename"`
	UserFeedback     *int      `gorm:"column:user_feedback;check:check_user_feedback,user_feedback IS NULL OR user_feedback IN (0, 1)" json:"user_feedback"`
	UserComment      *string   `gorm:"column:user_comment;type:text" json:"user_comment"`
}

// TableName implements gorm's Tabler for the default table.
func (PredictionRecord) TableName() string {
	return DefaultTable
}

// NewRecord carries the fields supplied by the caller of Save. Identity and
// timestamp are assigned by the store.
type NewRecord struct {
	InferenceTimeMs  int
	Success          bool
	PredictionResult string
	ProbaCat         float64
	ProbaDog         float64
	RGPDConsent      bool
	Filename         *string
	UserFeedback     *int
	UserComment      *string
}

// FeedbackUpdate holds the optional fields of a feedback amendment. Nil means
// "leave unchanged".
type FeedbackUpdate struct {
	UserFeedback *int
	UserComment  *string
}

// Statistics summarises the store content.
type Statistics struct {
	Total        int64   `json:"total_predictions"`
	Successful   int64   `json:"successful_predictions"`
	RGPDConsents int64   `json:"rgpd_consents"`
	SuccessRate  float64 `json:"success_rate"`
}

// InferenceKPI summarises latency over successful predictions.
type InferenceKPI struct {
	AvgMs float64 `json:"avg_inference_time_ms"`
	MinMs int64   `json:"min_inference_time_ms"`
	MaxMs int64   `json:"max_inference_time_ms"`
	Total int64   `json:"total_predictions"`
}

// SatisfactionKPI summarises user feedback over consented records.
type SatisfactionKPI struct {
	Rate     float64 `json:"satisfaction_rate"`
	Positive int64   `json:"positive_feedbacks"`
	Negative int64   `json:"negative_feedbacks"`
	Total    int64   `json:"total_feedbacks"`
}

// InferencePoint is one sample of the latency time series.
type InferencePoint struct {
	CreatedAt       time.Time `json:"timestamp"`
	InferenceTimeMs int       `json:"inference_time_ms"`
}

// SatisfactionPoint is one user feedback in time.
type SatisfactionPoint struct {
	CreatedAt        time.Time `json:"timestamp"`
	UserFeedback     int       `json:"user_feedback"`
	UserComment      string    `json:"user_comment"`
	PredictionResult string    `json:"prediction_result"`
}
