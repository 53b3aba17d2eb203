package db

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func newMockRecorder(t *testing.T) (*MySQLRecorder, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &MySQLRecorder{db: gormDB}, mock
}

func TestMySQLRecorder_RecordPosition(t *testing.T) {
	recorder, mock := newMockRecorder(t)

	// Save with a non-zero primary key updates first and inserts when no row was affected.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `positions`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `positions`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	record := PositionRecord{
		ID:        1,
		Owner:     "0x000000000000000000000000000000000000aa",
		FromToken: "0x000000000000000000000000000000000000a0",
		ToToken:   "0x000000000000000000000000000000000000b0",
		Mask:      1,
		Rate:      "1000000000000000000",
		FinalSwap: 10,
	}

	err := recorder.RecordPosition(record)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRecorder_RecordTripleSnapshot(t *testing.T) {
	recorder, mock := newMockRecorder(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `triple_snapshots`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := recorder.RecordTripleSnapshot(TripleSnapshotRecord{
		Timestamp:        time.Now(),
		FromToken:        "0xa0",
		ToToken:          "0xb0",
		Mask:             1,
		ActiveMask:       1,
		PerformedSwaps:   3,
		NextAmount:       "0",
		NextToNextAmount: "0",
		DeltaJSON:        "{}",
		AccumJSON:        `{"3":"3000000000000000000"}`,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBigIntStringRoundTrip(t *testing.T) {
	n, err := StringToBigInt(BigIntToString(nil))
	require.NoError(t, err)
	assert.Equal(t, "0", n.String())

	n, err = StringToBigInt("not-a-number")
	assert.Error(t, err)
	assert.Nil(t, n)
}
