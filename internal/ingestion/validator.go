package ingestion

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for candidate validation failures.
var (
	ErrUnsupportedType  = errors.New("record type is not whitelisted")
	ErrInvalidValue     = errors.New("value must be numeric")
	ErrZeroValue        = errors.New("value must be non-zero")
	ErrMissingStartDate = errors.New("startDate is required")
	ErrInvalidStartDate = errors.New("startDate is not a valid timestamp")
)

// RecordType is a vendor-defined HealthKit type identifier.
type RecordType string

// Whitelisted HealthKit identifiers. Anything else found in an export is dropped.
const (
	StepCount              RecordType = "HKQuantityTypeIdentifierStepCount"
	DistanceWalkingRunning RecordType = "HKQuantityTypeIdentifierDistanceWalkingRunning"
	HeartRate              RecordType = "HKQuantityTypeIdentifierHeartRate"
	RestingHeartRate       RecordType = "HKQuantityTypeIdentifierRestingHeartRate"
	ActiveEnergyBurned     RecordType = "HKQuantityTypeIdentifierActiveEnergyBurned"
	BasalEnergyBurned      RecordType = "HKQuantityTypeIdentifierBasalEnergyBurned"
	BodyMass               RecordType = "HKQuantityTypeIdentifierBodyMass"
	BodyMassIndex          RecordType = "HKQuantityTypeIdentifierBodyMassIndex"
	BodyFatPercentage      RecordType = "HKQuantityTypeIdentifierBodyFatPercentage"
	BloodPressureSystolic  RecordType = "HKQuantityTypeIdentifierBloodPressureSystolic"
	BloodPressureDiastolic RecordType = "HKQuantityTypeIdentifierBloodPressureDiastolic"
	BloodGlucose           RecordType = "HKQuantityTypeIdentifierBloodGlucose"
	OxygenSaturation       RecordType = "HKQuantityTypeIdentifierOxygenSaturation"
	SleepAnalysis          RecordType = "HKCategoryTypeIdentifierSleepAnalysis"
	SleepDuration          RecordType = "HKQuantityTypeIdentifierSleepDuration"
	VO2Max                 RecordType = "HKQuantityTypeIdentifierVO2Max"
	RespiratoryRate        RecordType = "HKQuantityTypeIdentifierRespiratoryRate"
)

// healthDateLayouts are tried in order when parsing export timestamps.
// Exports use "2024-03-01 07:15:00 -0800"; RFC 3339 shows up in hand-edited files.
var healthDateLayouts = []string{
	"2006-01-02 15:04:05 -0700",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

var whitelist = map[RecordType]struct{}{
	StepCount:              {},
	DistanceWalkingRunning: {},
	HeartRate:              {},
	RestingHeartRate:       {},
	ActiveEnergyBurned:     {},
	BasalEnergyBurned:      {},
	BodyMass:               {},
	BodyMassIndex:          {},
	BodyFatPercentage:      {},
	BloodPressureSystolic:  {},
	BloodPressureDiastolic: {},
	BloodGlucose:           {},
	OxygenSaturation:       {},
	SleepAnalysis:          {},
	SleepDuration:          {},
	VO2Max:                 {},
	RespiratoryRate:        {},
}

// IsWhitelisted reports whether t is one of the supported record types.
func (t RecordType) IsWhitelisted() bool {
	_, ok := whitelist[t]

	return ok
}

// WhitelistedTypes returns the supported record types in no particular order.
func WhitelistedTypes() []RecordType {
	types := make([]RecordType, 0, len(whitelist))
	for t := range whitelist {
		types = append(types, t)
	}

	return types
}

// ParseHealthDate parses a timestamp as written by the Health app export.
func ParseHealthDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)

	var lastErr error

	for _, layout := range healthDateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}

		lastErr = err
	}

	return time.Time{}, lastErr
}

// Validate applies the whitelist and value rules and converts the candidate into a Record.
//
// Rules:
//   - type must be whitelisted
//   - value must parse as a finite, non-zero number
//   - startDate must be present and parseable
//
// endDate is optional; an unparseable endDate is treated as absent.
func (c *Candidate) Validate(userID, requestID string) (*Record, error) {
	recordType := RecordType(c.Type)
	if !recordType.IsWhitelisted() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, c.Type)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidValue, c.Value)
	}

	if value == 0 {
		return nil, ErrZeroValue
	}

	if strings.TrimSpace(c.StartDate) == "" {
		return nil, ErrMissingStartDate
	}

	start, err := ParseHealthDate(c.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStartDate, c.StartDate)
	}

	record := &Record{
		UserID:        userID,
		RecordType:    recordType,
		Value:         value,
		Unit:          c.Unit,
		StartDate:     start,
		SourceName:    c.SourceName,
		SourceVersion: c.SourceVersion,
		Device:        c.Device,
		Metadata: RecordMetadata{
			RequestID:    requestID,
			ImportedFrom: SourceAppleHealth,
		},
	}

	if c.EndDate != "" {
		if end, err := ParseHealthDate(c.EndDate); err == nil {
			record.EndDate = &end
		}
	}

	return record, nil
}
