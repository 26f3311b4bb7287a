package manifest

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/go-playground/validator/v10"
)

const (
	ColumnManifestNumber = "manifest_number"
	ColumnVehicleNumber  = "vehicle_number"
	ColumnWasteType      = "waste_type"
	ColumnGrossWeight    = "gross_weight"
	ColumnTareWeight     = "tare_weight"
	ColumnNetWeight      = "net_weight"
	ColumnStatus         = "status"
	ColumnResultCode     = "result_code"
	ColumnResultMessage  = "result_message"
	ColumnAttemptID      = "attempt_id"
	ColumnSubmittedBy    = "submitted_by"
	ColumnConfirmedAt    = "confirmed_at"
)

var (
	// ErrInvalidManifest indicates input that fails validation before any I/O.
	ErrInvalidManifest = errors.New("manifest: invalid manifest")
	// ErrRejected indicates the regulator refused the submission.
	ErrRejected = errors.New("manifest: rejected by regulator")
	// ErrExternalUnavailable indicates the regulator outcome is unknown.
	ErrExternalUnavailable = errors.New("manifest: regulator unavailable")
	// ErrConfirmedExternallyButNotRecorded indicates the regulator accepted the manifest
	// but the local ledger append failed.
	ErrConfirmedExternallyButNotRecorded = errors.New("manifest: confirmed externally but not recorded")
	// ErrNotReconcilable indicates reconciliation found nothing to resolve.
	ErrNotReconcilable = errors.New("manifest: not reconcilable")
	// ErrCorruptRecord indicates a stored row whose weights cannot be parsed.
	ErrCorruptRecord = errors.New("manifest: corrupt record")
)

// RejectionError carries the regulator's result code and message.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrRejected.Error(), e.Code, e.Message)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// Table returns the ledger descriptor for a manifest table named name.
func Table(name string) ledger.Table {
	return ledger.Table{
		Name: name,
		Columns: []string{
			ColumnManifestNumber, ColumnVehicleNumber, ColumnWasteType,
			ColumnGrossWeight, ColumnTareWeight, ColumnNetWeight,
			ColumnStatus, ColumnResultCode, ColumnResultMessage,
			ColumnAttemptID, ColumnSubmittedBy, ColumnConfirmedAt,
		},
		KeyColumns: []string{ColumnManifestNumber},
	}
}

// Status is the lifecycle position of a submission.
type Status string

const (
	StatusPending           Status = "Pending"
	StatusConfirmedExternal Status = "ConfirmedExternal"
	StatusRejected          Status = "Rejected"
)

// Terminal reports whether no further transition applies.
func (s Status) Terminal() bool {
	return s == StatusConfirmedExternal || s == StatusRejected
}

// Input is a weighing record as entered by the caller. Weights are kilograms.
type Input struct {
	ManifestNumber   string `json:"manifest_number" validate:"required,max=190"`
	VehicleNumber    string `json:"vehicle_number"`
	WasteType        string `json:"waste_type"`
	GrossWeight      int64  `json:"gross_weight" validate:"gte=0"`
	TareWeight       int64  `json:"tare_weight" validate:"gte=0,ltefield=GrossWeight"`
	CertificationKey string `json:"certification_key"`
}

var inputValidator = newInputValidator()

// newInputValidator reports fields by their json names.
func newInputValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// normalize applies the ledger's key normalization so lookups match stored rows.
func (in Input) normalize() Input {
	in.ManifestNumber = ledger.NormalizeKey(in.ManifestNumber)
	in.VehicleNumber = strings.TrimSpace(in.VehicleNumber)
	in.WasteType = strings.TrimSpace(in.WasteType)
	in.CertificationKey = strings.TrimSpace(in.CertificationKey)
	return in
}

func (in Input) validate() error {
	err := inputValidator.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	reasons := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		reasons = append(reasons, describe(fieldError))
	}
	return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(reasons, "; "))
}

func describe(fieldError validator.FieldError) string {
	switch fieldError.Tag() {
	case "required":
		return "manifest number is required"
	case "ltefield":
		return "tare weight exceeds gross weight"
	case "gte":
		return fmt.Sprintf("%s must not be negative", fieldError.Field())
	default:
		return fmt.Sprintf("%s failed %s", fieldError.Field(), fieldError.Tag())
	}
}

// Record is one manifest row.
type Record struct {
	ManifestNumber string
	VehicleNumber  string
	WasteType      string
	GrossWeight    int64
	TareWeight     int64
	Status         Status
	ResultCode     string
	ResultMessage  string
	AttemptID      string
	SubmittedBy    string
	ConfirmedAt    time.Time
}

// NetWeight is always derived from gross and tare.
func (r Record) NetWeight() int64 {
	return r.GrossWeight - r.TareWeight
}

func recordFromInput(in Input, submittedBy string) Record {
	return Record{
		ManifestNumber: in.ManifestNumber,
		VehicleNumber:  in.VehicleNumber,
		WasteType:      in.WasteType,
		GrossWeight:    in.GrossWeight,
		TareWeight:     in.TareWeight,
		Status:         StatusPending,
		SubmittedBy:    submittedBy,
	}
}

func (r Record) toRow() ledger.Row {
	row := ledger.Row{
		ColumnManifestNumber: r.ManifestNumber,
		ColumnVehicleNumber:  r.VehicleNumber,
		ColumnWasteType:      r.WasteType,
		ColumnGrossWeight:    strconv.FormatInt(r.GrossWeight, 10),
		ColumnTareWeight:     strconv.FormatInt(r.TareWeight, 10),
		ColumnNetWeight:      strconv.FormatInt(r.NetWeight(), 10),
		ColumnStatus:         string(r.Status),
		ColumnResultCode:     r.ResultCode,
		ColumnResultMessage:  r.ResultMessage,
		ColumnAttemptID:      r.AttemptID,
		ColumnSubmittedBy:    r.SubmittedBy,
		ColumnConfirmedAt:    "",
	}
	if !r.ConfirmedAt.IsZero() {
		row[ColumnConfirmedAt] = r.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	return row
}

// parseRecord reads a stored row. The stored net weight is ignored.
func parseRecord(row ledger.Row) (Record, error) {
	gross, err := parseWeight(row.Get(ColumnGrossWeight))
	if err != nil {
		return Record{}, fmt.Errorf("%w: gross weight of %s: %v", ErrCorruptRecord, row.Get(ColumnManifestNumber), err)
	}
	tare, err := parseWeight(row.Get(ColumnTareWeight))
	if err != nil {
		return Record{}, fmt.Errorf("%w: tare weight of %s: %v", ErrCorruptRecord, row.Get(ColumnManifestNumber), err)
	}
	record := Record{
		ManifestNumber: row.Get(ColumnManifestNumber),
		VehicleNumber:  row.Get(ColumnVehicleNumber),
		WasteType:      row.Get(ColumnWasteType),
		GrossWeight:    gross,
		TareWeight:     tare,
		Status:         Status(row.Get(ColumnStatus)),
		ResultCode:     row.Get(ColumnResultCode),
		ResultMessage:  row.Get(ColumnResultMessage),
		AttemptID:      row.Get(ColumnAttemptID),
		SubmittedBy:    row.Get(ColumnSubmittedBy),
	}
	if raw := row.Get(ColumnConfirmedAt); raw != "" {
		confirmedAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Record{}, fmt.Errorf("%w: confirmed_at of %s: %v", ErrCorruptRecord, record.ManifestNumber, err)
		}
		record.ConfirmedAt = confirmedAt
	}
	return record, nil
}

// parseWeight accepts the "12000.0" form spreadsheets produce for whole numbers.
func parseWeight(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseInt(ledger.NormalizeKey(value), 10, 64)
}

// findConfirmed returns the latest ConfirmedExternal row for number.
func findConfirmed(snapshot ledger.Snapshot, number string) (Record, bool, error) {
	_, row, found := snapshot.FindLast(func(row ledger.Row) bool {
		return row.Get(ColumnManifestNumber) == number && Status(row.Get(ColumnStatus)) == StatusConfirmedExternal
	})
	if !found {
		return Record{}, false, nil
	}
	record, err := parseRecord(row)
	if err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}
