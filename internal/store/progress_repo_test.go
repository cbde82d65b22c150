package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashsinga/quantpulse/internal/domain"
)

func TestMarkSuccessColumnFollowsOperation(t *testing.T) {
	asOf := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	cases := []struct {
		op     domain.FetchOperation
		column string
	}{
		{domain.OperationHistorical, "last_historical_fetch"},
		{domain.OperationDaily, "last_daily_fetch"},
	}
	for _, tc := range cases {
		t.Run(string(tc.op), func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewProgressRepo(db)

			mock.ExpectExec(`INSERT INTO fetch_progress \(instrument_id, ` + tc.column + `,`).
				WithArgs(sqlmock.AnyArg(), asOf).
				WillReturnResult(sqlmock.NewResult(0, 2))

			require.NoError(t, repo.MarkSuccess(context.Background(), ids, asOf, tc.op))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkSuccessEmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProgressRepo(db)

	require.NoError(t, repo.MarkSuccess(context.Background(), nil, time.Now(), domain.OperationDaily))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedTruncatesLongMessages(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProgressRepo(db)

	id := uuid.New()
	long := strings.Repeat("x", maxErrorLen+500)

	mock.ExpectExec(`INSERT INTO fetch_progress`).
		WithArgs(id, long[:maxErrorLen]).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkFailed(context.Background(), id, long))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetFailedReturnsResetIDs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProgressRepo(db)

	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery(`UPDATE fetch_progress SET status = 'pending'`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"instrument_id"}).
			AddRow(a.String()).AddRow(b.String()))

	ids, err := repo.ResetFailed(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingForRejectsUnknownOperation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProgressRepo(db)

	_, err := repo.PendingFor(context.Background(), domain.FetchOperation("minutely"), time.Now())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
