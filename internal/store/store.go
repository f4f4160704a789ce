// Package store persists prediction records and the user feedback attached
// to them.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/catdog-vision/catdog/internal/apperrors"
)

// Store is the feedback store. It is safe for concurrent use; every
// operation runs in its own database transaction or statement.
type Store struct {
	db    *gorm.DB
	table string
	now   func() time.Time
}

// NewWithDB wraps an already opened gorm handle. An empty table selects
// DefaultTable.
func NewWithDB(db *gorm.DB, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{
		db:    db,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Table returns the relation name used by the store.
func (s *Store) Table() string {
	return s.table
}

func (s *Store) records(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Migrate creates or updates the prediction table and its constraints.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.records(ctx).AutoMigrate(&PredictionRecord{}); err != nil {
		return apperrors.Persistence("store.Migrate", "failed to migrate "+s.table, err)
	}
	return nil
}

// Save validates, redacts and inserts a record, returning the stored copy
// with its assigned id and timestamp.
//
// Without consent, filename and user feedback are never stored. A user
// comment is dropped too, except on failure records where it carries the
// diagnostic message.
func (s *Store) Save(ctx context.Context, in NewRecord) (*PredictionRecord, error) {
	const op = "store.Save"

	if err := validateNew(in); err != nil {
		return nil, apperrors.Persistence(op, "invalid prediction record", err)
	}

	rec := PredictionRecord{
		CreatedAt:        s.now(),
		InferenceTimeMs:  in.InferenceTimeMs,
		Success:          in.Success,
		PredictionResult: in.PredictionResult,
		ProbaCat:         round2(in.ProbaCat),
		ProbaDog:         round2(in.ProbaDog),
		RGPDConsent:      in.RGPDConsent,
		Filename:         nonEmpty(in.Filename),
		UserFeedback:     in.UserFeedback,
		UserComment:      truncate(nonEmpty(in.UserComment), MaxCommentLength),
	}
	if rec.Filename != nil {
		rec.Filename = truncate(rec.Filename, MaxFilenameLength)
	}
	if !rec.RGPDConsent {
		rec.Filename = nil
		rec.UserFeedback = nil
		if rec.Success {
			rec.UserComment = nil
		}
	}

	if err := s.records(ctx).Create(&rec).Error; err != nil {
		return nil, apperrors.Persistence(op, "failed to save prediction record", err)
	}
	return &rec, nil
}

// UpdateFeedback attaches user feedback to an existing record. The record is
// read under a row lock so concurrent updates of the same id serialise. Only
// the non-nil fields of upd are written.
func (s *Store) UpdateFeedback(ctx context.Context, id uint, upd FeedbackUpdate) (*PredictionRecord, error) {
	const op = "store.UpdateFeedback"

	var updated PredictionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec PredictionRecord
		err := tx.Table(s.table).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound(op, fmt.Sprintf("prediction %d not found", id))
		}
		if err != nil {
			return err
		}

		if !rec.RGPDConsent {
			return apperrors.ConsentRequired(op, "feedback requires RGPD consent on the prediction")
		}
		if upd.UserFeedback != nil && *upd.UserFeedback != 0 && *upd.UserFeedback != 1 {
			return apperrors.InvalidFeedbackValue(op, fmt.Sprintf("user_feedback must be 0 or 1, got %d", *upd.UserFeedback))
		}
		if upd.UserComment != nil && utf8.RuneCountInString(*upd.UserComment) > MaxCommentLength {
			return apperrors.InvalidFeedbackValue(op, fmt.Sprintf("user_comment exceeds %d characters", MaxCommentLength))
		}

		changes := map[string]any{}
		if upd.UserFeedback != nil {
			v := *upd.UserFeedback
			rec.UserFeedback = &v
			changes["user_feedback"] = v
		}
		if upd.UserComment != nil {
			v := *upd.UserComment
			rec.UserComment = &v
			changes["user_comment"] = v
		}
		if len(changes) > 0 {
			if err := tx.Table(s.table).Where("id = ?", id).Updates(changes).Error; err != nil {
				return err
			}
		}

		updated = rec
		return nil
	})
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperrors.Persistence(op, "failed to update feedback", err)
	}
	return &updated, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id uint) (*PredictionRecord, error) {
	const op = "store.Get"

	var rec PredictionRecord
	err := s.records(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound(op, fmt.Sprintf("prediction %d not found", id))
	}
	if err != nil {
		return nil, apperrors.Persistence(op, "failed to read prediction", err)
	}
	return &rec, nil
}

const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 100
)

// ClampLimit caps a requested page size at MaxRecentLimit. Values below
// one yield zero.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 0
	case limit > MaxRecentLimit:
		return MaxRecentLimit
	default:
		return limit
	}
}

// Recent returns at most limit records, newest first. DefaultRecentLimit is
// applied by callers when no limit was requested.
func (s *Store) Recent(ctx context.Context, limit int) ([]PredictionRecord, error) {
	limit = ClampLimit(limit)
	records := make([]PredictionRecord, 0, limit)
	if limit == 0 {
		return records, nil
	}
	err := s.records(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, apperrors.Persistence("store.Recent", "failed to list predictions", err)
	}
	return records, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func validateNew(in NewRecord) error {
	var errs []error
	switch in.PredictionResult {
	case ResultCat, ResultDog:
		if !in.Success {
			errs = append(errs, fmt.Errorf("result %q requires success", in.PredictionResult))
		}
	case ResultError:
		if in.Success {
			errs = append(errs, errors.New("result \"error\" cannot be successful"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown prediction result %q", in.PredictionResult))
	}
	if in.InferenceTimeMs < 0 {
		errs = append(errs, fmt.Errorf("negative inference time %d", in.InferenceTimeMs))
	}
	for name, p := range map[string]float64{"proba_cat": in.ProbaCat, "proba_dog": in.ProbaDog} {
		if math.IsNaN(p) || p < 0 || p > 100 {
			errs = append(errs, fmt.Errorf("%s %v outside [0,100]", name, p))
		}
	}
	if in.UserFeedback != nil && *in.UserFeedback != 0 && *in.UserFeedback != 1 {
		errs = append(errs, fmt.Errorf("user_feedback must be 0 or 1, got %d", *in.UserFeedback))
	}
	return errors.Join(errs...)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

func truncate(s *string, n int) *string {
	if s == nil || utf8.RuneCountInString(*s) <= n {
		return s
	}
	v := string([]rune(*s)[:n])
	return &v
}
