package device

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeColumns = []string{"id", "user_id", "room_id", "name", "type", "status", "attributes", "sequence", "last_updated"}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db), mock
}

func TestSQLStore_Load(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows(storeColumns).
		AddRow("light-1", "u1", nil, "Lamp", "light", "on", `{"brightness":40}`, int64(3), "2026-03-01T12:00:00Z").
		AddRow("lock-1", "u1", "hall", "Front", "lock", "idle", `{"locked":false,"batteryLevel":12}`, int64(0), "2026-03-01T12:00:00.5Z")
	mock.ExpectQuery(regexp.QuoteMeta("FROM devices WHERE user_id = ? ORDER BY id")).
		WithArgs("u1").
		WillReturnRows(rows)

	devices, err := store.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, devices, 2)

	lamp := devices[0]
	assert.Equal(t, StatusOn, lamp.Status)
	assert.Equal(t, uint64(3), lamp.Sequence)
	assert.Empty(t, lamp.RoomID)
	attrs, ok := lamp.Attributes.(*LightAttributes)
	require.True(t, ok)
	assert.Equal(t, 40, attrs.Brightness)
	assert.Equal(t, Color{R: 255, G: 255, B: 255}, attrs.Color, "missing fields keep defaults")

	lock := devices[1]
	assert.Equal(t, "hall", lock.RoomID)
	assert.Equal(t, &LockAttributes{Locked: false, BatteryLevel: 12}, lock.Attributes)
	assert.Equal(t, 500*time.Millisecond, lock.LastUpdated.Sub(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadAll(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + deviceColumns + " FROM devices ORDER BY id")).
		WillReturnRows(sqlmock.NewRows(storeColumns))

	devices, err := store.Load(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadBadAttributes(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows(storeColumns).
		AddRow("lock-1", "u1", nil, "Front", "lock", "idle", `{"brightness":5}`, int64(0), "2026-03-01T12:00:00Z")
	mock.ExpectQuery("FROM devices").WillReturnRows(rows)

	_, err := store.Load(context.Background(), "")
	assert.ErrorIs(t, err, ErrFieldNotApplicable)
}

func TestSQLStore_LoadQueryError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM devices").WillReturnError(errors.New("connection reset"))

	_, err := store.Load(context.Background(), "")
	assert.ErrorContains(t, err, "querying devices")
}

func TestSQLStore_Persist(t *testing.T) {
	store, mock := newMockStore(t)

	dev := Device{
		ID:          "light-1",
		UserID:      "u1",
		Name:        "Lamp",
		Type:        TypeLight,
		Status:      StatusOn,
		Attributes:  &LightAttributes{Brightness: 40, Color: Color{R: 1, G: 2, B: 3}},
		Sequence:    7,
		LastUpdated: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE")).
		WithArgs("light-1", "u1", nil, "Lamp", "light", "on",
			`{"brightness":40,"color":"#010203","energyUsage":0}`,
			int64(7), "2026-03-01T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Persist(context.Background(), dev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Delete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM devices WHERE id = ?")).
		WithArgs("light-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM devices").
		WithArgs("light-2").
		WillReturnError(errors.New("locked"))

	require.NoError(t, store.Delete(context.Background(), "light-1"))
	assert.ErrorContains(t, store.Delete(context.Background(), "light-2"), "deleting device light-2")
	assert.NoError(t, mock.ExpectationsWereMet())
}
