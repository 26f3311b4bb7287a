package manifest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/wasteapi"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testTable = "manifests"

type fakeRegulator struct {
	mu           sync.Mutex
	submits      int
	lookups      int
	requests     []wasteapi.Request
	result       wasteapi.Result
	err          error
	lookupResult wasteapi.Result
	lookupErr    error
	gate         chan struct{}
	entered      chan struct{}
}

func newFakeRegulator() *fakeRegulator {
	return &fakeRegulator{
		result:       wasteapi.Result{Code: wasteapi.SuccessCode, Message: "accepted"},
		lookupResult: wasteapi.Result{Code: wasteapi.SuccessCode, Message: "on file"},
	}
}

func (f *fakeRegulator) Submit(ctx context.Context, request wasteapi.Request) (wasteapi.Result, error) {
	f.mu.Lock()
	f.submits++
	f.requests = append(f.requests, request)
	gate, entered := f.gate, f.entered
	result, err := f.result, f.err
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return result, err
}

func (f *fakeRegulator) Lookup(ctx context.Context, manifestNumber string) (wasteapi.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.lookupResult, f.lookupErr
}

func (f *fakeRegulator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.lookups
}

// flakyStore refuses replace-writes while failing is set.
type flakyStore struct {
	*ledger.MemoryStore
	failing atomic.Bool
}

func (s *flakyStore) Replace(ctx context.Context, table ledger.Table, snapshot ledger.Snapshot) error {
	if s.failing.Load() {
		return ledger.ErrStoreUnavailable
	}
	return s.MemoryStore.Replace(ctx, table, snapshot)
}

type manifestHarness struct {
	service   *Service
	guard     *ledger.Guard
	store     *flakyStore
	regulator *fakeRegulator
	logs      *observer.ObservedLogs
}

func newManifestHarness(t *testing.T) manifestHarness {
	t.Helper()
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore()}
	guard, err := ledger.NewGuard(ledger.GuardConfig{Store: store, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}
	if err := guard.Provision(context.Background(), Table(testTable)); err != nil {
		t.Fatalf("failed to provision: %v", err)
	}
	regulator := newFakeRegulator()
	core, logs := observer.New(zap.DebugLevel)
	fixedNow := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Guard:                   guard,
		TableName:               testTable,
		Regulator:               regulator,
		DefaultCertificationKey: "DEFAULT-CERT",
		Logger:                  zap.New(core),
		Clock:                   func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return manifestHarness{service: service, guard: guard, store: store, regulator: regulator, logs: logs}
}

func (h manifestHarness) rows(t *testing.T) []ledger.Row {
	t.Helper()
	snapshot, err := h.guard.View(context.Background(), Table(testTable))
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	return snapshot.Rows()
}

func TestSubmitConfirmsAndReplaysWithoutSecondCall(t *testing.T) {
	harness := newManifestHarness(t)
	ctx := context.Background()
	input := Input{ManifestNumber: "M-1", VehicleNumber: "12가3456", WasteType: "sludge", GrossWeight: 12000, TareWeight: 4000}

	first, err := harness.service.Submit(ctx, input, "E001")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if first.Replayed {
		t.Fatalf("expected first submission to reach the regulator")
	}
	if first.Record.Status != StatusConfirmedExternal || first.Record.NetWeight() != 8000 {
		t.Fatalf("unexpected record: %#v", first.Record)
	}
	if _, err := uuid.Parse(first.Record.AttemptID); err != nil {
		t.Fatalf("expected uuid attempt id, got %q", first.Record.AttemptID)
	}

	second, err := harness.service.Submit(ctx, input, "E002")
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if !second.Replayed || second.Record.AttemptID != first.Record.AttemptID {
		t.Fatalf("expected replay of the first confirmation, got %#v", second)
	}
	if submits, _ := harness.regulator.counts(); submits != 1 {
		t.Fatalf("expected exactly one regulator call, got %d", submits)
	}

	rows := harness.rows(t)
	if len(rows) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(rows))
	}
	if rows[0].Get(ColumnNetWeight) != "8000" || rows[0].Get(ColumnStatus) != string(StatusConfirmedExternal) {
		t.Fatalf("unexpected stored row: %#v", rows[0])
	}
	if rows[0].Get(ColumnSubmittedBy) != "E001" {
		t.Fatalf("expected submitter to be recorded, got %q", rows[0].Get(ColumnSubmittedBy))
	}

	request := harness.regulator.requests[0]
	if request.CertificationKey != "DEFAULT-CERT" || request.GrossWeight != 12000 || request.TareWeight != 4000 {
		t.Fatalf("unexpected regulator request: %#v", request)
	}
}

func TestSubmitReplaysHandEnteredConfirmation(t *testing.T) {
	harness := newManifestHarness(t)
	ctx := context.Background()
	seed := ledger.NewSnapshot([]ledger.Row{{
		ColumnManifestNumber: " 1001.0 ",
		ColumnGrossWeight:    "12000.0",
		ColumnTareWeight:     "4000",
		ColumnNetWeight:      "1",
		ColumnStatus:         string(StatusConfirmedExternal),
	}})
	if err := harness.store.MemoryStore.Replace(ctx, Table(testTable), seed); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	submission, err := harness.service.Submit(ctx, Input{ManifestNumber: "1001", GrossWeight: 12000, TareWeight: 4000}, "E001")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !submission.Replayed {
		t.Fatalf("expected normalized key to match existing confirmation")
	}
	if submission.Record.NetWeight() != 8000 {
		t.Fatalf("expected net weight to be recomputed, got %d", submission.Record.NetWeight())
	}
	if submits, _ := harness.regulator.counts(); submits != 0 {
		t.Fatalf("expected no regulator call, got %d", submits)
	}
}

func TestSubmitValidation(t *testing.T) {
	testCases := []struct {
		name  string
		input Input
	}{
		{name: "tare exceeds gross", input: Input{ManifestNumber: "M-2", GrossWeight: 3000, TareWeight: 5000}},
		{name: "missing number", input: Input{ManifestNumber: "   ", GrossWeight: 10, TareWeight: 1}},
		{name: "negative gross", input: Input{ManifestNumber: "M-3", GrossWeight: -1, TareWeight: -5}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			harness := newManifestHarness(t)
			submission, err := harness.service.Submit(context.Background(), testCase.input, "E001")
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("expected invalid manifest, got %v", err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != "manifest.submit.invalid_manifest" {
				t.Fatalf("unexpected service error: %v", err)
			}
			if submission.Record.Status != StatusRejected {
				t.Fatalf("expected rejected status, got %s", submission.Record.Status)
			}
			if submits, _ := harness.regulator.counts(); submits != 0 {
				t.Fatalf("expected no regulator call, got %d", submits)
			}
			if rows := harness.rows(t); len(rows) != 0 {
				t.Fatalf("expected no ledger write, got %d rows", len(rows))
			}
		})
	}
}

func TestSubmitRejectionLeavesLedgerUntouched(t *testing.T) {
	harness := newManifestHarness(t)
	harness.regulator.result = wasteapi.Result{Code: "E102", Message: "certificate expired"}

	submission, err := harness.service.Submit(context.Background(), Input{ManifestNumber: "M-4", GrossWeight: 500, TareWeight: 100, CertificationKey: "MINE"}, "E001")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Code != "E102" || rejection.Message != "certificate expired" {
		t.Fatalf("expected regulator reason to surface, got %v", err)
	}
	if submission.Record.Status != StatusRejected {
		t.Fatalf("expected rejected status, got %s", submission.Record.Status)
	}
	if harness.regulator.requests[0].CertificationKey != "MINE" {
		t.Fatalf("expected caller certification key, got %q", harness.regulator.requests[0].CertificationKey)
	}
	if rows := harness.rows(t); len(rows) != 0 {
		t.Fatalf("expected no ledger write, got %d rows", len(rows))
	}
}

func TestSubmitUnavailableRegulatorIsIndeterminate(t *testing.T) {
	harness := newManifestHarness(t)
	harness.regulator.err = wasteapi.ErrUnavailable

	submission, err := harness.service.Submit(context.Background(), Input{ManifestNumber: "M-5", GrossWeight: 500}, "E001")
	if !errors.Is(err, ErrExternalUnavailable) {
		t.Fatalf("expected external unavailable, got %v", err)
	}
	if submission.Record.Status != StatusPending {
		t.Fatalf("expected pending status for unknown outcome, got %s", submission.Record.Status)
	}
	if rows := harness.rows(t); len(rows) != 0 {
		t.Fatalf("expected no ledger write, got %d rows", len(rows))
	}
	if len(harness.service.Backlog()) != 0 {
		t.Fatalf("expected no backlog entry for an unknown outcome")
	}
}

func TestSplitBrainIsReportedAndReconciled(t *testing.T) {
	harness := newManifestHarness(t)
	ctx := context.Background()
	input := Input{ManifestNumber: "M-6", GrossWeight: 12000, TareWeight: 4000}

	harness.store.failing.Store(true)
	_, err := harness.service.Submit(ctx, input, "E001")
	if !errors.Is(err, ErrConfirmedExternallyButNotRecorded) {
		t.Fatalf("expected split-brain error, got %v", err)
	}
	if !errors.Is(err, ledger.ErrStoreUnavailable) {
		t.Fatalf("expected store cause to be preserved, got %v", err)
	}
	if entries := harness.service.Backlog(); len(entries) != 1 || entries[0].Record.ManifestNumber != "M-6" {
		t.Fatalf("expected backlog entry, got %#v", entries)
	}
	if len(harness.logs.FilterMessage("manifest confirmed externally but not recorded").All()) != 1 {
		t.Fatalf("expected split-brain to be logged")
	}

	harness.store.failing.Store(false)
	if _, err := harness.service.Submit(ctx, input, "E001"); !errors.Is(err, ErrConfirmedExternallyButNotRecorded) {
		t.Fatalf("expected resubmission to be refused until reconciled, got %v", err)
	}
	if submits, _ := harness.regulator.counts(); submits != 1 {
		t.Fatalf("expected no second regulator submission, got %d", submits)
	}
	if rows := harness.rows(t); len(rows) != 0 {
		t.Fatalf("expected no silent append, got %d rows", len(rows))
	}

	record, err := harness.service.Reconcile(ctx, "M-6")
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if record.Status != StatusConfirmedExternal || record.NetWeight() != 8000 {
		t.Fatalf("unexpected reconciled record: %#v", record)
	}
	if _, lookups := harness.regulator.counts(); lookups != 1 {
		t.Fatalf("expected one lookup, got %d", lookups)
	}
	if len(harness.service.Backlog()) != 0 {
		t.Fatalf("expected backlog to be cleared")
	}
	if rows := harness.rows(t); len(rows) != 1 {
		t.Fatalf("expected one ledger row after reconcile, got %d", len(rows))
	}

	replay, err := harness.service.Submit(ctx, input, "E001")
	if err != nil || !replay.Replayed {
		t.Fatalf("expected replay after reconcile, got %#v, %v", replay, err)
	}
}

func TestReconcileRequiresRegulatorConfirmation(t *testing.T) {
	harness := newManifestHarness(t)
	ctx := context.Background()

	if _, err := harness.service.Reconcile(ctx, "M-7"); !errors.Is(err, ErrNotReconcilable) {
		t.Fatalf("expected not reconcilable without backlog, got %v", err)
	}

	harness.store.failing.Store(true)
	if _, err := harness.service.Submit(ctx, Input{ManifestNumber: "M-7", GrossWeight: 10}, "E001"); !errors.Is(err, ErrConfirmedExternallyButNotRecorded) {
		t.Fatalf("expected split-brain, got %v", err)
	}
	harness.store.failing.Store(false)

	harness.regulator.lookupResult = wasteapi.Result{Code: "E404", Message: "unknown manifest"}
	if _, err := harness.service.Reconcile(ctx, "M-7"); !errors.Is(err, ErrNotReconcilable) {
		t.Fatalf("expected not reconcilable when regulator denies, got %v", err)
	}
	if len(harness.service.Backlog()) != 1 {
		t.Fatalf("expected backlog entry to be kept")
	}

	harness.regulator.lookupErr = wasteapi.ErrUnavailable
	if _, err := harness.service.Reconcile(ctx, "M-7"); !errors.Is(err, ErrExternalUnavailable) {
		t.Fatalf("expected external unavailable, got %v", err)
	}
	if rows := harness.rows(t); len(rows) != 0 {
		t.Fatalf("expected no append without confirmation, got %d rows", len(rows))
	}
}

func TestConcurrentSubmissionOfSameNumber(t *testing.T) {
	harness := newManifestHarness(t)
	harness.regulator.gate = make(chan struct{})
	harness.regulator.entered = make(chan struct{}, 1)
	input := Input{ManifestNumber: "M-8", GrossWeight: 100, TareWeight: 10}

	done := make(chan error, 1)
	go func() {
		_, err := harness.service.Submit(context.Background(), input, "E001")
		done <- err
	}()
	<-harness.regulator.entered

	if _, err := harness.service.Submit(context.Background(), input, "E002"); !errors.Is(err, ledger.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	close(harness.regulator.gate)
	if err := <-done; err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	if submits, _ := harness.regulator.counts(); submits != 1 {
		t.Fatalf("expected one regulator call, got %d", submits)
	}
}

func TestRecordsRecomputeNetWeight(t *testing.T) {
	harness := newManifestHarness(t)
	ctx := context.Background()
	if _, err := harness.service.Submit(ctx, Input{ManifestNumber: "M-9", GrossWeight: 900, TareWeight: 300}, "E001"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	records, err := harness.service.Records(ctx)
	if err != nil {
		t.Fatalf("records failed: %v", err)
	}
	if len(records) != 1 || records[0].NetWeight() != 600 {
		t.Fatalf("unexpected records: %#v", records)
	}
	if !records[0].ConfirmedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected confirmation time %s", records[0].ConfirmedAt)
	}
}
