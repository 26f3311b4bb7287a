package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"go.uber.org/zap"
)

var (
	errMissingGuard    = errors.New("ledger guard is required")
	errMissingTable    = errors.New("attendance table name is required")
	errMissingLocation = errors.New("time zone location is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "attendance.service.new"
	opClockIn    = "attendance.clock_in"
	opClockOut   = "attendance.clock_out"
	opElapsed    = "attendance.elapsed"
	opRecords    = "attendance.records"
	fieldUserID  = "user_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the attendance service.
type ServiceConfig struct {
	Guard     *ledger.Guard
	TableName string
	Location  *time.Location
	Logger    *zap.Logger
}

// Service runs the per-(user, day) clock-in/clock-out lifecycle against the ledger.
type Service struct {
	guard    *ledger.Guard
	table    ledger.Table
	location *time.Location
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Guard == nil {
		return nil, newServiceError(opServiceNew, "missing_guard", errMissingGuard)
	}
	if cfg.TableName == "" {
		return nil, newServiceError(opServiceNew, "missing_table", errMissingTable)
	}
	if cfg.Location == nil {
		return nil, newServiceError(opServiceNew, "missing_location", errMissingLocation)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		guard:    cfg.Guard,
		table:    Table(cfg.TableName),
		location: cfg.Location,
		logger:   logger,
	}, nil
}

// Table exposes the ledger descriptor the service writes to.
func (s *Service) Table() ledger.Table {
	return s.table
}

// ClockIn opens the day for userID at now. The existence check runs against a snapshot
// read inside the table's critical section, so two racing clock-ins create one row.
func (s *Service) ClockIn(ctx context.Context, userID UserID, now time.Time) (Record, error) {
	if s == nil || s.guard == nil {
		return Record{}, newServiceError(opClockIn, "missing_guard", errMissingGuard)
	}
	var record Record
	_, err := s.guard.Mutate(ctx, s.table, func(current ledger.Snapshot) (ledger.Snapshot, bool, error) {
		next, opened, err := applyClockIn(current, userID, now, s.location)
		if err != nil {
			return current, false, err
		}
		record = opened
		return next, true, nil
	})
	if err != nil {
		return Record{}, s.fail(opClockIn, err, userID)
	}
	s.logger.Info("clocked in",
		zap.String(fieldUserID, userID.String()),
		zap.String("date", record.Date),
		zap.String("clock_in", record.ClockIn.Format(TimeLayout)))
	return record, nil
}

// ClockOut closes the open record for the day containing now.
func (s *Service) ClockOut(ctx context.Context, userID UserID, now time.Time) (Record, error) {
	if s == nil || s.guard == nil {
		return Record{}, newServiceError(opClockOut, "missing_guard", errMissingGuard)
	}
	var record Record
	_, err := s.guard.Mutate(ctx, s.table, func(current ledger.Snapshot) (ledger.Snapshot, bool, error) {
		next, closed, err := applyClockOut(current, userID, now, s.location)
		if err != nil {
			return current, false, err
		}
		record = closed
		return next, true, nil
	})
	if err != nil {
		return Record{}, s.fail(opClockOut, err, userID)
	}
	s.logger.Info("clocked out",
		zap.String(fieldUserID, userID.String()),
		zap.String("date", record.Date),
		zap.String("total_hours", record.TotalHours.Decimal.StringFixed(hoursPrecision)))
	return record, nil
}

// Elapsed reports time worked today without writing. An open record yields now minus
// clock-in; a closed one yields its fixed span.
func (s *Service) Elapsed(ctx context.Context, userID UserID, now time.Time) (time.Duration, Record, error) {
	if s == nil || s.guard == nil {
		return 0, Record{}, newServiceError(opElapsed, "missing_guard", errMissingGuard)
	}
	snapshot, err := s.guard.View(ctx, s.table)
	if err != nil {
		return 0, Record{}, s.fail(opElapsed, err, userID)
	}
	local := now.In(s.location)
	_, _, record, err := lookup(snapshot, userID, local.Format(DateLayout), s.location)
	if err != nil {
		return 0, Record{}, s.fail(opElapsed, err, userID)
	}
	switch record.State() {
	case StateNotClockedIn:
		return 0, record, s.fail(opElapsed, fmt.Errorf("%w: %s", ErrNotClockedIn, userID), userID)
	case StateClosedForDay:
		return record.ClockOut.Sub(*record.ClockIn), record, nil
	}
	elapsed := local.Sub(*record.ClockIn)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, record, nil
}

// Records lists every record of userID in ledger order.
func (s *Service) Records(ctx context.Context, userID UserID) ([]Record, error) {
	if s == nil || s.guard == nil {
		return nil, newServiceError(opRecords, "missing_guard", errMissingGuard)
	}
	snapshot, err := s.guard.View(ctx, s.table)
	if err != nil {
		return nil, s.fail(opRecords, err, userID)
	}
	rows := snapshot.Filter(func(row ledger.Row) bool {
		return row.Get(ColumnUserID) == userID.String()
	})
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := parseRecord(row, s.location)
		if err != nil {
			return nil, s.fail(opRecords, err, userID)
		}
		records = append(records, record)
	}
	return records, nil
}

// fail wraps err with a reason code and logs at a level matching its class.
func (s *Service) fail(operation string, err error, userID UserID) error {
	reason := reasonFor(err)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldUserID, userID.String()),
		zap.Error(err),
	}
	switch reason {
	case "already_clocked_in", "already_clocked_out", "not_clocked_in", "invalid_time_order", "concurrent_modification":
		s.logger.Info("attendance request refused", fields...)
	case "store_unavailable", "store_rejected":
		s.logger.Warn("attendance store failure", fields...)
	default:
		s.logger.Error("attendance service error", fields...)
	}
	return newServiceError(operation, reason, err)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyClockedIn):
		return "already_clocked_in"
	case errors.Is(err, ErrAlreadyClockedOut):
		return "already_clocked_out"
	case errors.Is(err, ErrNotClockedIn):
		return "not_clocked_in"
	case errors.Is(err, ErrInvalidTimeOrder):
		return "invalid_time_order"
	case errors.Is(err, ErrCorruptRecord):
		return "corrupt_record"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ledger.ErrStoreRejected):
		return "store_rejected"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "unexpected"
	}
}
