package attendance

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/shopspring/decimal"
)

const (
	ColumnUserID     = "user_id"
	ColumnDate       = "date"
	ColumnClockIn    = "clock_in"
	ColumnClockOut   = "clock_out"
	ColumnTotalHours = "total_hours"

	// DateLayout formats the calendar day of a record.
	DateLayout = "2006-01-02"
	// TimeLayout formats clock-in and clock-out times of day.
	TimeLayout = "15:04:05"

	maxIdentifierLength = 190
	hoursPrecision      = 2
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("attendance: invalid user id")
	// ErrAlreadyClockedIn indicates a record for the user and day already carries a clock-in.
	ErrAlreadyClockedIn = errors.New("attendance: already clocked in")
	// ErrAlreadyClockedOut indicates the day is already closed.
	ErrAlreadyClockedOut = errors.New("attendance: already clocked out")
	// ErrNotClockedIn indicates no open record exists for the user and day.
	ErrNotClockedIn = errors.New("attendance: not clocked in")
	// ErrInvalidTimeOrder indicates a clock-out earlier than the recorded clock-in.
	ErrInvalidTimeOrder = errors.New("attendance: clock-out precedes clock-in")
	// ErrCorruptRecord indicates a stored row whose times cannot be parsed.
	ErrCorruptRecord = errors.New("attendance: corrupt record")
)

// Table returns the ledger descriptor for an attendance table named name.
func Table(name string) ledger.Table {
	return ledger.Table{
		Name:       name,
		Columns:    []string{ColumnUserID, ColumnDate, ColumnClockIn, ColumnClockOut, ColumnTotalHours},
		KeyColumns: []string{ColumnUserID, ColumnDate},
	}
}

// UserID represents a validated, normalized user identifier.
type UserID string

// NewUserID normalizes raw input the same way stored keys are normalized.
func NewUserID(rawInput string) (UserID, error) {
	normalized := ledger.NormalizeKey(rawInput)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(normalized) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(normalized), nil
}

// String returns the underlying identifier.
func (id UserID) String() string {
	return string(id)
}

// State is the lifecycle position of a (user, day) pair.
type State int

const (
	StateNotClockedIn State = iota
	StateClockedIn
	StateClosedForDay
)

func (s State) String() string {
	switch s {
	case StateClockedIn:
		return "ClockedIn"
	case StateClosedForDay:
		return "ClosedForDay"
	default:
		return "NotClockedIn"
	}
}

// Record is one attendance row with parsed times.
type Record struct {
	UserID     UserID
	Date       string
	ClockIn    *time.Time
	ClockOut   *time.Time
	TotalHours decimal.NullDecimal
}

// State derives the lifecycle state from the populated fields.
func (r Record) State() State {
	switch {
	case r.ClockIn == nil:
		return StateNotClockedIn
	case r.ClockOut == nil:
		return StateClockedIn
	default:
		return StateClosedForDay
	}
}

func (r Record) toRow() ledger.Row {
	row := ledger.Row{
		ColumnUserID:     r.UserID.String(),
		ColumnDate:       r.Date,
		ColumnClockIn:    "",
		ColumnClockOut:   "",
		ColumnTotalHours: "",
	}
	if r.ClockIn != nil {
		row[ColumnClockIn] = r.ClockIn.Format(TimeLayout)
	}
	if r.ClockOut != nil {
		row[ColumnClockOut] = r.ClockOut.Format(TimeLayout)
	}
	if r.TotalHours.Valid {
		row[ColumnTotalHours] = r.TotalHours.Decimal.StringFixed(hoursPrecision)
	}
	return row
}

// mergeInto writes the record's columns over a copy of existing, keeping any columns
// operators added to the sheet.
func (r Record) mergeInto(existing ledger.Row) ledger.Row {
	merged := existing.Clone()
	for column, value := range r.toRow() {
		merged[column] = value
	}
	return merged
}

// parseRecord reads a row, anchoring times of day to the record's date in location.
func parseRecord(row ledger.Row, location *time.Location) (Record, error) {
	record := Record{
		UserID: UserID(row.Get(ColumnUserID)),
		Date:   row.Get(ColumnDate),
	}
	if _, err := time.ParseInLocation(DateLayout, record.Date, location); err != nil {
		return Record{}, fmt.Errorf("%w: date %q", ErrCorruptRecord, record.Date)
	}
	clockIn, err := parseTimeOfDay(record.Date, row.Get(ColumnClockIn), location)
	if err != nil {
		return Record{}, err
	}
	record.ClockIn = clockIn
	clockOut, err := parseTimeOfDay(record.Date, row.Get(ColumnClockOut), location)
	if err != nil {
		return Record{}, err
	}
	record.ClockOut = clockOut
	if raw := row.Get(ColumnTotalHours); raw != "" {
		hours, err := decimal.NewFromString(raw)
		if err != nil {
			return Record{}, fmt.Errorf("%w: total hours %q", ErrCorruptRecord, raw)
		}
		record.TotalHours = decimal.NewNullDecimal(hours)
	}
	return record, nil
}

func parseTimeOfDay(date, value string, location *time.Location) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+value, location)
	if err != nil {
		return nil, fmt.Errorf("%w: time %q on %s", ErrCorruptRecord, value, date)
	}
	return &parsed, nil
}

// hoursBetween converts a duration to hours rounded to two decimal places.
func hoursBetween(start, end time.Time) decimal.Decimal {
	seconds := int64(end.Sub(start) / time.Second)
	return decimal.NewFromInt(seconds).Div(decimal.NewFromInt(3600)).Round(hoursPrecision)
}
