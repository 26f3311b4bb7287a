package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/wasteapi"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opServiceNew     = "manifest.service.new"
	opSubmit         = "manifest.submit"
	opReconcile      = "manifest.reconcile"
	opRecords        = "manifest.records"
	opRestoreBacklog = "manifest.restore_backlog"

	fieldManifestNumber = "manifest_number"
)

var (
	errMissingGuard     = errors.New("ledger guard is required")
	errMissingTable     = errors.New("manifest table name is required")
	errMissingRegulator = errors.New("regulator client is required")
)

// Regulator is the external system of record for manifests.
type Regulator interface {
	Submit(ctx context.Context, request wasteapi.Request) (wasteapi.Result, error)
	Lookup(ctx context.Context, manifestNumber string) (wasteapi.Result, error)
}

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

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the manifest service.
type ServiceConfig struct {
	Guard     *ledger.Guard
	TableName string
	Regulator Regulator
	// DefaultCertificationKey is sent when the caller supplies none.
	DefaultCertificationKey string
	Logger                  *zap.Logger
	Clock                   func() time.Time
	NewAttemptID            func() (uuid.UUID, error)
	// Journal persists the split-brain backlog. Without one the backlog is lost on restart.
	Journal BacklogJournal
}

// Submission is the outcome of Submit. Replayed is set when an earlier confirmation was
// returned without contacting the regulator.
type Submission struct {
	Record   Record
	Replayed bool
}

// BacklogEntry is a manifest the regulator confirmed but the ledger does not hold.
type BacklogEntry struct {
	Record     Record
	Cause      string
	RecordedAt time.Time
}

// Service runs the submission workflow.
type Service struct {
	guard          *ledger.Guard
	table          ledger.Table
	regulator      Regulator
	defaultCertKey string
	logger         *zap.Logger
	clock          func() time.Time
	newAttemptID   func() (uuid.UUID, error)
	journal        BacklogJournal

	mu       sync.Mutex
	inFlight map[string]struct{}
	backlog  map[string]BacklogEntry
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Guard == nil {
		return nil, newServiceError(opServiceNew, "missing_guard", errMissingGuard)
	}
	if cfg.TableName == "" {
		return nil, newServiceError(opServiceNew, "missing_table", errMissingTable)
	}
	if cfg.Regulator == nil {
		return nil, newServiceError(opServiceNew, "missing_regulator", errMissingRegulator)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newAttemptID := cfg.NewAttemptID
	if newAttemptID == nil {
		newAttemptID = uuid.NewV7
	}
	return &Service{
		guard:          cfg.Guard,
		table:          Table(cfg.TableName),
		regulator:      cfg.Regulator,
		defaultCertKey: cfg.DefaultCertificationKey,
		logger:         logger,
		clock:          clock,
		newAttemptID:   newAttemptID,
		journal:        cfg.Journal,
		inFlight:       make(map[string]struct{}),
		backlog:        make(map[string]BacklogEntry),
	}, nil
}

// Table exposes the ledger descriptor the service writes to.
func (s *Service) Table() ledger.Table {
	return s.table
}

// Submit validates input, returns an existing confirmation for the same manifest number
// if one is on the ledger, and otherwise submits to the regulator and appends the
// confirmed record. The regulator call happens without holding the table lock.
func (s *Service) Submit(ctx context.Context, input Input, submittedBy string) (Submission, error) {
	if s == nil || s.guard == nil {
		return Submission{}, newServiceError(opSubmit, "missing_guard", errMissingGuard)
	}
	input = input.normalize()
	record := recordFromInput(input, submittedBy)

	if err := input.validate(); err != nil {
		record.Status = StatusRejected
		s.logInfo(opSubmit, "invalid_manifest", err, record.ManifestNumber)
		return Submission{Record: record}, newServiceError(opSubmit, "invalid_manifest", err)
	}

	if entry, pending := s.pendingReconciliation(record.ManifestNumber); pending {
		err := fmt.Errorf("%w: %s awaits reconciliation since %s",
			ErrConfirmedExternallyButNotRecorded, record.ManifestNumber, entry.RecordedAt.Format(time.RFC3339))
		s.logger.Error("manifest resubmitted while awaiting reconciliation",
			zap.String("operation", opSubmit),
			zap.String("reason", "reconcile_required"),
			zap.String(fieldManifestNumber, record.ManifestNumber))
		return Submission{Record: entry.Record}, newServiceError(opSubmit, "reconcile_required", err)
	}

	release, claimed := s.claim(record.ManifestNumber)
	if !claimed {
		err := fmt.Errorf("%w: manifest %s is being submitted", ledger.ErrConcurrentModification, record.ManifestNumber)
		s.logInfo(opSubmit, "concurrent_modification", err, record.ManifestNumber)
		return Submission{Record: record}, newServiceError(opSubmit, "concurrent_modification", err)
	}
	defer release()

	snapshot, err := s.guard.View(ctx, s.table)
	if err != nil {
		return Submission{Record: record}, s.storeFailure(opSubmit, err, record.ManifestNumber)
	}
	existing, confirmed, err := findConfirmed(snapshot, record.ManifestNumber)
	if err != nil {
		return Submission{Record: record}, s.storeFailure(opSubmit, err, record.ManifestNumber)
	}
	if confirmed {
		s.logger.Info("manifest already confirmed",
			zap.String(fieldManifestNumber, existing.ManifestNumber),
			zap.String("attempt_id", existing.AttemptID))
		return Submission{Record: existing, Replayed: true}, nil
	}

	attemptID, err := s.newAttemptID()
	if err != nil {
		return Submission{Record: record}, newServiceError(opSubmit, "attempt_id", err)
	}
	record.AttemptID = attemptID.String()

	certKey := input.CertificationKey
	if certKey == "" {
		certKey = s.defaultCertKey
	}
	result, err := s.regulator.Submit(ctx, wasteapi.Request{
		CertificationKey: certKey,
		ManifestNumber:   record.ManifestNumber,
		GrossWeight:      record.GrossWeight,
		TareWeight:       record.TareWeight,
	})
	if err != nil {
		cause := fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
		s.logger.Warn("regulator outcome unknown",
			zap.String("operation", opSubmit),
			zap.String("reason", "external_unavailable"),
			zap.String(fieldManifestNumber, record.ManifestNumber),
			zap.String("attempt_id", record.AttemptID),
			zap.Error(err))
		return Submission{Record: record}, newServiceError(opSubmit, "external_unavailable", cause)
	}
	record.ResultCode = result.Code
	record.ResultMessage = result.Message
	if !result.Succeeded() {
		record.Status = StatusRejected
		rejection := &RejectionError{Code: result.Code, Message: result.Message}
		s.logInfo(opSubmit, "rejected", rejection, record.ManifestNumber)
		return Submission{Record: record}, newServiceError(opSubmit, "rejected", rejection)
	}

	record.Status = StatusConfirmedExternal
	record.ConfirmedAt = s.clock().UTC().Truncate(time.Second)
	stored, replayed, err := s.appendConfirmed(ctx, record)
	if err != nil {
		return Submission{Record: record}, s.splitBrain(ctx, opSubmit, record, err)
	}
	s.logger.Info("manifest confirmed",
		zap.String(fieldManifestNumber, stored.ManifestNumber),
		zap.String("attempt_id", stored.AttemptID),
		zap.Int64("net_weight", stored.NetWeight()))
	return Submission{Record: stored, Replayed: replayed}, nil
}

// Reconcile resolves a split-brain submission by asking the regulator whether the manifest
// is on file and, only if so, appending the confirmed record.
func (s *Service) Reconcile(ctx context.Context, manifestNumber string) (Record, error) {
	if s == nil || s.guard == nil {
		return Record{}, newServiceError(opReconcile, "missing_guard", errMissingGuard)
	}
	number := ledger.NormalizeKey(manifestNumber)

	release, claimed := s.claim(number)
	if !claimed {
		err := fmt.Errorf("%w: manifest %s is being submitted", ledger.ErrConcurrentModification, number)
		return Record{}, newServiceError(opReconcile, "concurrent_modification", err)
	}
	defer release()

	snapshot, err := s.guard.View(ctx, s.table)
	if err != nil {
		return Record{}, s.storeFailure(opReconcile, err, number)
	}
	existing, confirmed, err := findConfirmed(snapshot, number)
	if err != nil {
		return Record{}, s.storeFailure(opReconcile, err, number)
	}
	if confirmed {
		s.resolve(ctx, number)
		return existing, nil
	}

	entry, pending := s.pendingReconciliation(number)
	if !pending {
		err := fmt.Errorf("%w: %s has no unrecorded confirmation", ErrNotReconcilable, number)
		s.logInfo(opReconcile, "not_reconcilable", err, number)
		return Record{}, newServiceError(opReconcile, "not_reconcilable", err)
	}

	result, err := s.regulator.Lookup(ctx, number)
	if err != nil {
		cause := fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
		s.logger.Warn("regulator lookup failed",
			zap.String("operation", opReconcile),
			zap.String(fieldManifestNumber, number),
			zap.Error(err))
		return entry.Record, newServiceError(opReconcile, "external_unavailable", cause)
	}
	if !result.Succeeded() {
		err := fmt.Errorf("%w: regulator reports %s %s for %s", ErrNotReconcilable, result.Code, result.Message, number)
		s.logger.Warn("regulator does not confirm manifest",
			zap.String("operation", opReconcile),
			zap.String(fieldManifestNumber, number),
			zap.String("result_code", result.Code))
		return entry.Record, newServiceError(opReconcile, "not_reconcilable", err)
	}

	stored, _, err := s.appendConfirmed(ctx, entry.Record)
	if err != nil {
		return entry.Record, s.splitBrain(ctx, opReconcile, entry.Record, err)
	}
	s.resolve(ctx, number)
	s.logger.Info("manifest reconciled",
		zap.String(fieldManifestNumber, number),
		zap.String("attempt_id", stored.AttemptID))
	return stored, nil
}

// Records lists ledger rows for display, newest last.
func (s *Service) Records(ctx context.Context) ([]Record, error) {
	if s == nil || s.guard == nil {
		return nil, newServiceError(opRecords, "missing_guard", errMissingGuard)
	}
	snapshot, err := s.guard.View(ctx, s.table)
	if err != nil {
		return nil, s.storeFailure(opRecords, err, "")
	}
	rows := snapshot.Rows()
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := parseRecord(row)
		if err != nil {
			return nil, s.storeFailure(opRecords, err, row.Get(ColumnManifestNumber))
		}
		records = append(records, record)
	}
	return records, nil
}

// Backlog lists unresolved split-brain submissions, oldest first.
func (s *Service) Backlog() []BacklogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]BacklogEntry, 0, len(s.backlog))
	for _, entry := range s.backlog {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RecordedAt.Equal(entries[j].RecordedAt) {
			return entries[i].Record.ManifestNumber < entries[j].Record.ManifestNumber
		}
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})
	return entries
}

// appendConfirmed appends record unless a confirmation for the same number landed first.
func (s *Service) appendConfirmed(ctx context.Context, record Record) (Record, bool, error) {
	stored := record
	replayed := false
	_, err := s.guard.Mutate(ctx, s.table, func(current ledger.Snapshot) (ledger.Snapshot, bool, error) {
		existing, confirmed, err := findConfirmed(current, record.ManifestNumber)
		if err != nil {
			return current, false, err
		}
		if confirmed {
			stored = existing
			replayed = true
			return current, false, nil
		}
		return current.Append(record.toRow()), true, nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return stored, replayed, nil
}

func (s *Service) claim(number string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[number]; busy {
		return nil, false
	}
	s.inFlight[number] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inFlight, number)
		s.mu.Unlock()
	}, true
}

func (s *Service) pendingReconciliation(number string) (BacklogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.backlog[number]
	return entry, ok
}

func (s *Service) resolve(ctx context.Context, number string) {
	s.mu.Lock()
	_, pending := s.backlog[number]
	delete(s.backlog, number)
	s.mu.Unlock()

	if !pending || s.journal == nil {
		return
	}
	if err := s.journal.DeleteBacklogEntry(context.WithoutCancel(ctx), number); err != nil {
		s.logger.Warn("reconciled manifest still in backlog journal",
			zap.String(fieldManifestNumber, number),
			zap.Error(err))
	}
}

// splitBrain records the confirmed-but-unrecorded manifest and reports it. Nothing is
// retried: the operator resolves it through Reconcile.
func (s *Service) splitBrain(ctx context.Context, operation string, record Record, cause error) error {
	s.mu.Lock()
	entry, exists := s.backlog[record.ManifestNumber]
	if !exists {
		entry = BacklogEntry{
			Record:     record,
			Cause:      cause.Error(),
			RecordedAt: s.clock().UTC(),
		}
		s.backlog[record.ManifestNumber] = entry
	}
	s.mu.Unlock()

	if !exists && s.journal != nil {
		if err := s.journal.SaveBacklogEntry(context.WithoutCancel(ctx), entry); err != nil {
			s.logger.Error("backlog entry kept in memory only; it is lost on restart",
				zap.String(fieldManifestNumber, record.ManifestNumber),
				zap.Error(err))
		}
	}

	s.logger.Error("manifest confirmed externally but not recorded",
		zap.String("operation", operation),
		zap.String("reason", "confirmed_not_recorded"),
		zap.String(fieldManifestNumber, record.ManifestNumber),
		zap.String("attempt_id", record.AttemptID),
		zap.String("result_code", record.ResultCode),
		zap.Error(cause))
	return newServiceError(operation, "confirmed_not_recorded",
		fmt.Errorf("%w: %s: %w", ErrConfirmedExternallyButNotRecorded, record.ManifestNumber, cause))
}

func (s *Service) storeFailure(operation string, err error, number string) error {
	reason := "store_unavailable"
	switch {
	case errors.Is(err, ErrCorruptRecord):
		reason = "corrupt_record"
	case errors.Is(err, ledger.ErrStoreRejected):
		reason = "store_rejected"
	}
	s.logger.Warn("manifest store failure",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldManifestNumber, number),
		zap.Error(err))
	return newServiceError(operation, reason, err)
}

func (s *Service) logInfo(operation, reason string, err error, number string) {
	s.logger.Info("manifest request refused",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldManifestNumber, number),
		zap.Error(err))
}
