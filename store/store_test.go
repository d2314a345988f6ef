package store

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connext/pisa/appointment"
)

func testAppointment(chosenID, jobID, endBlock uint64) *appointment.Appointment {
	return &appointment.Appointment{
		ContractAddress:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		CustomerAddress:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		StartBlock:       1,
		EndBlock:         endBlock,
		ChallengePeriod:  10,
		CustomerChosenID: chosenID,
		JobID:            jobID,
		Data:             []byte{0x01},
		Refund:           big.NewInt(0),
		GasLimit:         100_000,
		EventABI:         "event EventDispute(uint256 indexed channelId, uint256 round)",
		PaymentHash:      appointment.FreeTierPaymentHash,
		CustomerSig:      make([]byte, 65),
	}
}

func record(chosenID, jobID, endBlock uint64) *Record {
	return &Record{
		Appointment: testAppointment(chosenID, jobID, endBlock),
		Signature:   []byte{0x51, 0x47},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPutGetDelete(t *testing.T) {
	st := openTestStore(t)

	rec := record(1, 1, 100)
	replaced, err := st.Put(rec)
	require.NoError(t, err)
	assert.Nil(t, replaced)

	got, err := st.Get(rec.Appointment.ID())
	require.NoError(t, err)
	assert.True(t, got.Appointment.Equal(rec.Appointment))

	require.NoError(t, st.Delete(rec.Appointment.ID()))
	_, err = st.Get(rec.Appointment.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting again is a no-op
	assert.NoError(t, st.Delete(rec.Appointment.ID()))
}

func TestPutIsIdempotentButRejectsConflicts(t *testing.T) {
	st := openTestStore(t)

	rec := record(1, 1, 100)
	_, err := st.Put(rec)
	require.NoError(t, err)

	// identical re-put is allowed
	_, err = st.Put(record(1, 1, 100))
	assert.NoError(t, err)

	// same id, different contents is not
	conflicting := record(1, 1, 100)
	conflicting.Appointment.Data = []byte{0xff}
	_, err = st.Put(conflicting)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPutReplacesLowerJobID(t *testing.T) {
	st := openTestStore(t)

	first := record(7, 1, 100)
	_, err := st.Put(first)
	require.NoError(t, err)

	second := record(7, 2, 120)
	replaced, err := st.Put(second)
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, first.Appointment.ID(), replaced.Appointment.ID())

	// the superseded record is gone, only the live one remains
	_, err = st.Get(first.Appointment.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	live, err := st.GetByLocator(second.Appointment.Locator())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), live.Appointment.JobID)

	// a stale job id can no longer be admitted
	_, err = st.Put(record(7, 1, 100))
	assert.ErrorIs(t, err, ErrSuperseded)
	_, err = st.Put(record(7, 2, 120))
	assert.NoError(t, err) // idempotent re-put of the live one
}

func TestAtMostOneLivePerLocator(t *testing.T) {
	st := openTestStore(t)

	for job := uint64(1); job <= 4; job++ {
		_, err := st.Put(record(9, job, 100+job))
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, st.All(func(rec *Record) bool {
		if rec.Appointment.Locator() == testAppointment(9, 0, 0).Locator() {
			count++
		}
		return true
	}))
	assert.Equal(t, 1, count)
}

func TestIterByEndBlockUpto(t *testing.T) {
	st := openTestStore(t)

	for i, end := range []uint64{50, 150, 250} {
		_, err := st.Put(record(uint64(i+1), 1, end))
		require.NoError(t, err)
	}

	var ends []uint64
	require.NoError(t, st.IterByEndBlockUpto(150, func(rec *Record) bool {
		ends = append(ends, rec.Appointment.EndBlock)
		return true
	}))
	assert.Equal(t, []uint64{50, 150}, ends)

	// ordering is ascending even for keys written out of order
	_, err := st.Put(record(10, 1, 25))
	require.NoError(t, err)
	ends = ends[:0]
	require.NoError(t, st.IterByEndBlockUpto(300, func(rec *Record) bool {
		ends = append(ends, rec.Appointment.EndBlock)
		return true
	}))
	assert.Equal(t, []uint64{25, 50, 150, 250}, ends)
}

func TestLastBlock(t *testing.T) {
	st := openTestStore(t)

	n, err := st.LastBlock()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, st.SetLastBlock(12345))
	n, err = st.LastBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), n)
}
