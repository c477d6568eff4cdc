package quarantine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQuarantineRepo(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, dbMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })
	return NewRepository(sqlx.NewDb(rawDB, "sqlmock")), dbMock
}

func opRows(id int64, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "domain", "operation_type", "operation_id", "entity_type", "entity_id",
		"reason", "source", "severity", "alert_id", "incident_id", "payload",
		"status", "released_by", "released_at", "created_at", "updated_at",
	}).AddRow(id, Domain, OpPayoutItem, "5", "payout_destination", "+254722000111",
		"open high alert", SourceFraudAlert, "high", 4, nil, []byte(`{"item_id":5}`),
		status, nil, nil, now, now)
}

func TestRepoInsert_FirstQuarantineCreates(t *testing.T) {
	repo, dbMock := setupQuarantineRepo(t)

	dbMock.ExpectQuery(`INSERT INTO quarantined_operations`).
		WillReturnRows(opRows(11, StatusQuarantined))

	created, out, err := repo.Insert(context.Background(), Operation{
		OperationType: OpPayoutItem,
		OperationID:   "5",
		EntityType:    "payout_destination",
		EntityID:      "+254722000111",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(11), out.ID)
	assert.Equal(t, StatusQuarantined, out.Status)

	require.NoError(t, dbMock.ExpectationsWereMet())
}

func TestRepoInsert_RepeatReturnsExistingRecord(t *testing.T) {
	repo, dbMock := setupQuarantineRepo(t)

	// ON CONFLICT DO NOTHING yields no row, then the existing record is read back.
	dbMock.ExpectQuery(`INSERT INTO quarantined_operations`).
		WillReturnError(sql.ErrNoRows)
	dbMock.ExpectQuery(`SELECT .+ FROM quarantined_operations`).
		WillReturnRows(opRows(11, StatusQuarantined))

	created, out, err := repo.Insert(context.Background(), Operation{
		OperationType: OpPayoutItem,
		OperationID:   "5",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(11), out.ID)

	require.NoError(t, dbMock.ExpectationsWereMet())
}

func TestRepoInsert_ConflictsOnlyWithOpenQuarantine(t *testing.T) {
	repo, dbMock := setupQuarantineRepo(t)

	// The conflict target must exclude status: released or cancelled
	// history rows never block a new quarantine cycle.
	dbMock.ExpectQuery(`ON CONFLICT \(domain, operation_type, operation_id\) WHERE status = 'quarantined' DO NOTHING`).
		WillReturnRows(opRows(12, StatusQuarantined))

	created, out, err := repo.Insert(context.Background(), Operation{
		OperationType: OpPayoutItem,
		OperationID:   "5",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(12), out.ID)

	require.NoError(t, dbMock.ExpectationsWereMet())
}

func TestRepoTransition_ReleasesQuarantinedRecord(t *testing.T) {
	repo, dbMock := setupQuarantineRepo(t)

	dbMock.ExpectQuery(`UPDATE quarantined_operations`).
		WithArgs(StatusReleased, "ops", int64(11), StatusQuarantined).
		WillReturnRows(opRows(11, StatusReleased))

	out, err := repo.Transition(context.Background(), 11, StatusReleased, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, out.Status)
}

func TestRepoTransition_AlreadyReleased(t *testing.T) {
	repo, dbMock := setupQuarantineRepo(t)

	dbMock.ExpectQuery(`UPDATE quarantined_operations`).
		WillReturnError(sql.ErrNoRows)
	dbMock.ExpectQuery(`SELECT .+ FROM quarantined_operations WHERE id`).
		WillReturnRows(opRows(11, StatusReleased))

	_, err := repo.Transition(context.Background(), 11, StatusCancelled, "ops")
	assert.True(t, errors.Is(err, ErrNotQuarantined))
}

func TestRepoTransition_MissingRecord(t *testing.T) {
	repo, dbMock := setupQuarantineRepo(t)

	dbMock.ExpectQuery(`UPDATE quarantined_operations`).
		WillReturnError(sql.ErrNoRows)
	dbMock.ExpectQuery(`SELECT .+ FROM quarantined_operations WHERE id`).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Transition(context.Background(), 99, StatusReleased, "ops")
	assert.True(t, errors.Is(err, ErrOperationNotFound))
}
