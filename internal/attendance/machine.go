package attendance

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/shopspring/decimal"
)

// lookup finds the latest record for userID on date along with its stored row. A
// missing row yields a NotClockedIn record, a nil row and index -1.
func lookup(snapshot ledger.Snapshot, userID UserID, date string, location *time.Location) (int, ledger.Row, Record, error) {
	index, row, found := snapshot.FindLast(func(row ledger.Row) bool {
		return row.Get(ColumnUserID) == userID.String() && row.Get(ColumnDate) == date
	})
	if !found {
		return -1, nil, Record{UserID: userID, Date: date}, nil
	}
	record, err := parseRecord(row, location)
	if err != nil {
		return index, row, Record{}, err
	}
	return index, row, record, nil
}

// applyClockIn appends the day's record. Any existing record with a clock-in blocks it,
// whether or not the day was closed.
func applyClockIn(snapshot ledger.Snapshot, userID UserID, at time.Time, location *time.Location) (ledger.Snapshot, Record, error) {
	local := at.In(location).Truncate(time.Second)
	date := local.Format(DateLayout)

	index, stored, existing, err := lookup(snapshot, userID, date, location)
	if err != nil {
		return ledger.Snapshot{}, Record{}, err
	}
	if existing.ClockIn != nil {
		return ledger.Snapshot{}, existing, fmt.Errorf("%w: %s on %s at %s",
			ErrAlreadyClockedIn, userID, date, existing.ClockIn.Format(TimeLayout))
	}

	record := Record{UserID: userID, Date: date, ClockIn: &local}
	if index >= 0 {
		// A placeholder row without clock-in is completed in place to keep one row per day.
		next, err := snapshot.ReplaceAt(index, record.mergeInto(stored))
		if err != nil {
			return ledger.Snapshot{}, Record{}, err
		}
		return next, record, nil
	}
	return snapshot.Append(record.toRow()), record, nil
}

// applyClockOut closes the open record for the day and derives total hours.
func applyClockOut(snapshot ledger.Snapshot, userID UserID, at time.Time, location *time.Location) (ledger.Snapshot, Record, error) {
	local := at.In(location).Truncate(time.Second)
	date := local.Format(DateLayout)

	index, stored, existing, err := lookup(snapshot, userID, date, location)
	if err != nil {
		return ledger.Snapshot{}, Record{}, err
	}
	switch existing.State() {
	case StateNotClockedIn:
		return ledger.Snapshot{}, existing, fmt.Errorf("%w: %s on %s", ErrNotClockedIn, userID, date)
	case StateClosedForDay:
		return ledger.Snapshot{}, existing, fmt.Errorf("%w: %s on %s at %s",
			ErrAlreadyClockedOut, userID, date, existing.ClockOut.Format(TimeLayout))
	}
	if local.Before(*existing.ClockIn) {
		return ledger.Snapshot{}, existing, fmt.Errorf("%w: %s is before %s",
			ErrInvalidTimeOrder, local.Format(TimeLayout), existing.ClockIn.Format(TimeLayout))
	}

	closed := existing
	closed.ClockOut = &local
	closed.TotalHours = decimal.NewNullDecimal(hoursBetween(*existing.ClockIn, local))

	next, err := snapshot.ReplaceAt(index, closed.mergeInto(stored))
	if err != nil {
		return ledger.Snapshot{}, Record{}, err
	}
	return next, closed, nil
}
