package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pgCheckpointColumns = []string{
	"thread_id", "checkpoint_id", "parent_id", "step", "source",
	"state", "tasks", "interrupts", "metadata", "created_at",
}

func pgRow(cp Checkpoint) *pgxmock.Rows {
	tasks, interrupts, metadata, _ := encodeParts(cp)
	return pgxmock.NewRows(pgCheckpointColumns).AddRow(
		cp.ThreadID, cp.ID, cp.ParentID, cp.Step, string(cp.Source),
		[]byte(cp.State), tasks, interrupts, metadata, cp.CreatedAt.UnixNano(),
	)
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStoreWithPool(mock), mock
}

func TestPostgresStore_InitSchema(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS stepgraph_threads")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutNewThread(t *testing.T) {
	s, mock := newMockPostgres(t)
	cp := newCheckpoint("t1", "cp-1", "", 0)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints WHERE thread_id = $1 AND checkpoint_id = $2")).
		WithArgs("t1", "cp-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT tip_id FROM stepgraph_threads WHERE thread_id = $1 FOR UPDATE")).
		WithArgs("t1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stepgraph_threads")).
		WithArgs("t1", "cp-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stepgraph_checkpoints")).
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := s.Put(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutLostThreadRace(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("t1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stepgraph_threads")).
		WithArgs("t1", "cp-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), newCheckpoint("t1", "cp-1", "", 0))
	assert.ErrorIs(t, err, ErrStaleCheckpoint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutSameIDCommittedWhileLocked(t *testing.T) {
	s, mock := newMockPostgres(t)
	winner := newCheckpoint("t1", "cp-2", "cp-1", 1)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"tip_id"}).AddRow("cp-2"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-2").
		WillReturnRows(pgRow(winner))
	mock.ExpectRollback()

	got, err := s.Put(context.Background(), newCheckpoint("t1", "cp-2", "cp-1", 1))
	require.NoError(t, err)
	assert.Equal(t, "cp-2", got.ID)
	assert.Equal(t, "cp-1", got.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutSameIDWonThreadRace(t *testing.T) {
	s, mock := newMockPostgres(t)
	winner := newCheckpoint("t1", "cp-1", "", 0)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("t1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stepgraph_threads")).
		WithArgs("t1", "cp-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-1").
		WillReturnRows(pgRow(winner))
	mock.ExpectRollback()

	got, err := s.Put(context.Background(), newCheckpoint("t1", "cp-1", "", 0))
	require.NoError(t, err)
	assert.Equal(t, "cp-1", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutStaleParent(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-3").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"tip_id"}).AddRow("cp-2"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-3").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), newCheckpoint("t1", "cp-3", "cp-1", 1))
	assert.ErrorIs(t, err, ErrStaleCheckpoint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutIdempotent(t *testing.T) {
	s, mock := newMockPostgres(t)
	stored := newCheckpoint("t1", "cp-1", "", 0)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-1").
		WillReturnRows(pgRow(stored))
	mock.ExpectRollback()

	dup := newCheckpoint("t1", "cp-1", "", 0)
	dup.State = []byte(`{"step":99}`)
	got, err := s.Put(context.Background(), dup)
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":0}`, string(got.State))
	assert.Len(t, got.Tasks, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Fork(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints WHERE thread_id = $1 AND checkpoint_id = $2")).
		WithArgs("t1", "cp-fork").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"tip_id"}).AddRow("cp-3"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints WHERE thread_id = $1 AND checkpoint_id = $2")).
		WithArgs("t1", "cp-fork").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-1").
		WillReturnRows(pgxmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE stepgraph_threads SET tip_id = $1")).
		WithArgs("cp-fork", "t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stepgraph_checkpoints")).
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, err := s.Fork(context.Background(), newCheckpoint("t1", "cp-fork", "cp-1", 1))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTip(t *testing.T) {
	s, mock := newMockPostgres(t)
	stored := newCheckpoint("t1", "cp-2", "cp-1", 1)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tip_id FROM stepgraph_threads WHERE thread_id = $1")).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"tip_id"}).AddRow("cp-2"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-2").
		WillReturnRows(pgRow(stored))

	got, err := s.Get(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", got.ID)
	assert.Equal(t, "cp-1", got.ParentID)
	assert.Equal(t, SourceLoop, got.Source)
	assert.True(t, got.CreatedAt.Equal(stored.CreatedAt))
	assert.Equal(t, "int-cp-2", got.Interrupts[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tip_id")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "missing", "")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	_, err = s.Get(context.Background(), "t1", "nope")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDatabaseError(t *testing.T) {
	s, mock := newMockPostgres(t)
	dbErr := errors.New("connection reset")

	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-1").
		WillReturnError(dbErr)

	_, err := s.Get(context.Background(), "t1", "cp-1")
	assert.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, ErrCheckpointNotFound)
}

func TestPostgresStore_History(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tip_id")).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"tip_id"}).AddRow("cp-2"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-2").
		WillReturnRows(pgRow(newCheckpoint("t1", "cp-2", "cp-1", 1)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stepgraph_checkpoints")).
		WithArgs("t1", "cp-1").
		WillReturnRows(pgRow(newCheckpoint("t1", "cp-1", "", 0)))

	var ids []string
	for cp, err := range s.History(context.Background(), "t1") {
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}
	assert.Equal(t, []string{"cp-2", "cp-1"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteThread(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM stepgraph_checkpoints")).
		WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM stepgraph_threads")).
		WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteThread(context.Background(), "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Closed(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectClose()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "t1", "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
