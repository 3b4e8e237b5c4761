package ingestion

import (
	"errors"
	"testing"
	"time"
)

func validStepCandidate() Candidate {
	return Candidate{
		Type:          string(StepCount),
		Value:         "1200",
		Unit:          "count",
		StartDate:     "2024-03-01 07:15:00 -0800",
		EndDate:       "2024-03-01 07:45:00 -0800",
		SourceName:    "iPhone",
		SourceVersion: "17.3",
		Device:        "<<HKDevice: 0x283>>",
	}
}

func TestCandidateValidate_Valid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := validStepCandidate()

	record, err := c.Validate("u1", "req-1")
	if err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	if record.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", record.UserID)
	}

	if record.RecordType != StepCount {
		t.Errorf("RecordType = %q, want %q", record.RecordType, StepCount)
	}

	if record.Value != 1200 {
		t.Errorf("Value = %v, want 1200", record.Value)
	}

	wantStart := time.Date(2024, 3, 1, 15, 15, 0, 0, time.UTC)
	if !record.StartDate.Equal(wantStart) {
		t.Errorf("StartDate = %v, want %v", record.StartDate, wantStart)
	}

	if record.EndDate == nil {
		t.Fatal("EndDate should be set")
	}

	if record.Metadata.RequestID != "req-1" || record.Metadata.ImportedFrom != SourceAppleHealth {
		t.Errorf("Metadata = %+v", record.Metadata)
	}
}

func TestCandidateValidate_Dropped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		mutate  func(c *Candidate)
		wantErr error
	}{
		{"unknown type", func(c *Candidate) { c.Type = "HKQuantityTypeIdentifierFlightsClimbed" }, ErrUnsupportedType},
		{"empty type", func(c *Candidate) { c.Type = "" }, ErrUnsupportedType},
		{"zero value", func(c *Candidate) { c.Value = "0" }, ErrZeroValue},
		{"negative zero value", func(c *Candidate) { c.Value = "-0.0" }, ErrZeroValue},
		{"non numeric value", func(c *Candidate) { c.Value = "HKCategoryValueSleepAnalysisAsleep" }, ErrInvalidValue},
		{"missing value", func(c *Candidate) { c.Value = "" }, ErrInvalidValue},
		{"NaN value", func(c *Candidate) { c.Value = "NaN" }, ErrInvalidValue},
		{"infinite value", func(c *Candidate) { c.Value = "+Inf" }, ErrInvalidValue},
		{"missing start date", func(c *Candidate) { c.StartDate = "" }, ErrMissingStartDate},
		{"garbage start date", func(c *Candidate) { c.StartDate = "yesterday" }, ErrInvalidStartDate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validStepCandidate()
			tt.mutate(&c)

			record, err := c.Validate("u1", "req-1")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}

			if record != nil {
				t.Errorf("Validate() returned record for invalid candidate: %+v", record)
			}
		})
	}
}

func TestCandidateValidate_OptionalEndDate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, end := range []string{"", "not a date"} {
		c := validStepCandidate()
		c.EndDate = end

		record, err := c.Validate("u1", "req-1")
		if err != nil {
			t.Fatalf("Validate(endDate=%q) error = %v", end, err)
		}

		if record.EndDate != nil {
			t.Errorf("Validate(endDate=%q) EndDate = %v, want nil", end, record.EndDate)
		}
	}
}

func TestParseHealthDate_Layouts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, raw := range []string{
		"2024-03-01 12:00:00 +0000",
		"2024-03-01 14:00:00 +0200",
		"2024-03-01T12:00:00Z",
		" 2024-03-01 12:00:00 ",
	} {
		got, err := ParseHealthDate(raw)
		if err != nil {
			t.Errorf("ParseHealthDate(%q) error = %v", raw, err)

			continue
		}

		if !got.Equal(want) {
			t.Errorf("ParseHealthDate(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestWhitelist_ExactIdentifiers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := len(WhitelistedTypes()); got != 17 {
		t.Errorf("WhitelistedTypes() length = %d, want 17", got)
	}

	for _, id := range []string{
		"HKQuantityTypeIdentifierStepCount",
		"HKQuantityTypeIdentifierBodyMassIndex",
		"HKCategoryTypeIdentifierSleepAnalysis",
		"HKQuantityTypeIdentifierVO2Max",
	} {
		if !RecordType(id).IsWhitelisted() {
			t.Errorf("%s should be whitelisted", id)
		}
	}

	if RecordType("HKQuantityTypeIdentifierStepcount").IsWhitelisted() {
		t.Error("whitelist must be case sensitive")
	}
}

func TestExternalIDForRequest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := ExternalIDForRequest("abc"); got != "apple_health_import_abc" {
		t.Errorf("ExternalIDForRequest() = %q", got)
	}
}
