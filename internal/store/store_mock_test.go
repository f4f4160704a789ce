package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/catdog-vision/catdog/internal/apperrors"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

// newMockStore puts a PostgreSQL-dialect store in front of sqlmock.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock := newMockDB(t)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	require.NoError(t, err)
	return NewWithDB(db, ""), mock
}

var recordColumns = []string{
	"id", "created_at", "inference_time_ms", "success", "prediction_result",
	"proba_cat", "proba_dog", "rgpd_consent", "filename", "user_feedback", "user_comment",
}

func TestSaveInsertFailureIsPersistenceError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "predictions_feedback"`).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err := s.Save(context.Background(), successRecord(ResultDog, 60, true))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPersistence))
	assert.ErrorContains(t, err, "connection reset by peer")
}

func TestUpdateFeedbackBeginFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := s.UpdateFeedback(context.Background(), 1, FeedbackUpdate{UserFeedback: intPtr(1)})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPersistence))
}

func TestUpdateFeedbackLocksRowAndCommits(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "predictions_feedback" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(5, now, 30, true, ResultCat, 80.0, 20.0, true, "cat.jpg", nil, nil))
	mock.ExpectExec(`UPDATE "predictions_feedback" SET "user_feedback"=\$1 WHERE id = \$2`).
		WithArgs(1, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := s.UpdateFeedback(context.Background(), 5, FeedbackUpdate{UserFeedback: intPtr(1)})
	require.NoError(t, err)
	require.NotNil(t, rec.UserFeedback)
	assert.Equal(t, 1, *rec.UserFeedback)
	assert.Equal(t, uint(5), rec.ID)
}

func TestUpdateFeedbackCommitFailure(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "predictions_feedback" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(5, now, 30, true, ResultCat, 80.0, 20.0, true, nil, nil, nil))
	mock.ExpectExec(`UPDATE "predictions_feedback" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("could not serialize access"))

	_, err := s.UpdateFeedback(context.Background(), 5, FeedbackUpdate{UserComment: strPtr("ok")})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPersistence))
}

func TestUpdateFeedbackRollsBackOnRejection(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "predictions_feedback" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(9, now, 30, true, ResultDog, 10.0, 90.0, false, nil, nil, nil))
	mock.ExpectRollback()

	_, err := s.UpdateFeedback(context.Background(), 9, FeedbackUpdate{UserFeedback: intPtr(1)})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConsentRequired, apperrors.KindOf(err))
}

func TestAggregateQueryFailures(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	dbErr := errors.New("relation does not exist")

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS total`).WillReturnError(dbErr)
	_, err := s.Statistics(ctx)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPersistence))

	mock.ExpectQuery(`SELECT AVG\(inference_time_ms\)`).WillReturnError(dbErr)
	_, err = s.InferenceKPI(ctx)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPersistence))

	mock.ExpectQuery(`SELECT \* FROM "predictions_feedback" ORDER BY created_at DESC,\s*id DESC`).WillReturnError(dbErr)
	_, err = s.Recent(ctx, 5)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPersistence))
	assert.ErrorIs(t, err, dbErr)
}
