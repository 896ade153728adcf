// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package anonymize

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"

	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

// CheckFailure is one violated verification check.
type CheckFailure struct {
	Check  string `json:"check"`
	Tag    string `json:"tag"`
	Detail string `json:"detail"`
}

func (f CheckFailure) String() string {
	return fmt.Sprintf("%s %s: %s", f.Check, f.Tag, f.Detail)
}

// VerificationError means the anonymized output still carries identifying
// data. It is never retried; the caller must discard the output.
type VerificationError struct {
	Checks []CheckFailure
}

func (e *VerificationError) Error() string {
	parts := make([]string, len(e.Checks))
	for i, c := range e.Checks {
		parts[i] = c.String()
	}
	return "verification failed: " + strings.Join(parts, "; ")
}

// VerifyConfig selects which checks run.
type VerifyConfig struct {
	CheckUIDs     bool
	CheckIdentity bool
	// ExpectedShiftDays, when set, requires every populated date tag to
	// have moved by exactly this many days.
	ExpectedShiftDays *int
}

// DefaultVerifyConfig runs the UID and identity checks.
func DefaultVerifyConfig() VerifyConfig {
	return VerifyConfig{CheckUIDs: true, CheckIdentity: true}
}

// dateCheckTags are the day-granularity tags measured by the shift check.
var dateCheckTags = []dicomtag.Tag{
	dicomtag.StudyDate,
	dicomtag.SeriesDate,
	dicomtag.AcquisitionDate,
	dicomtag.ContentDate,
	dicomtag.PatientBirthDate,
}

// Verify compares an anonymized dataset against its source and returns a
// VerificationError when any configured check fails. It must run before the
// output is written anywhere a destination can read it.
func Verify(original, anonymized *dicom.DataSet, cfg VerifyConfig) error {
	var failures []CheckFailure

	if cfg.CheckUIDs {
		for _, tag := range []dicomtag.Tag{dicomtag.StudyInstanceUID, dicomtag.SeriesInstanceUID, dicomtag.SOPInstanceUID} {
			name := dicomtag.MustFind(tag).Name
			in, out := tagValue(original, tag), tagValue(anonymized, tag)
			switch {
			case out == "":
				failures = append(failures, CheckFailure{Check: "uid", Tag: name, Detail: "anonymized value is empty"})
			case in == out:
				failures = append(failures, CheckFailure{Check: "uid", Tag: name, Detail: "value unchanged"})
			}
		}
	}

	if cfg.CheckIdentity {
		for _, tag := range []dicomtag.Tag{dicomtag.PatientName, dicomtag.PatientID} {
			name := dicomtag.MustFind(tag).Name
			in, out := tagValue(original, tag), tagValue(anonymized, tag)
			if in != "" && in == out {
				failures = append(failures, CheckFailure{Check: "identity", Tag: name, Detail: "value unchanged"})
			}
		}
	}

	if cfg.ExpectedShiftDays != nil {
		expected := *cfg.ExpectedShiftDays
		for _, tag := range dateCheckTags {
			name := dicomtag.MustFind(tag).Name
			in, out := tagValue(original, tag), tagValue(anonymized, tag)
			if in == "" || out == "" {
				// Unset originals are ignored; a blanked output is a
				// stronger redaction than shifting.
				continue
			}
			days, err := daysBetween(in, out)
			if err != nil {
				failures = append(failures, CheckFailure{Check: "date_shift", Tag: name, Detail: err.Error()})
				continue
			}
			if days != expected {
				failures = append(failures, CheckFailure{
					Check:  "date_shift",
					Tag:    name,
					Detail: fmt.Sprintf("shifted by %d days, expected %d", days, expected),
				})
			}
		}
	}

	if len(failures) > 0 {
		return &VerificationError{Checks: failures}
	}
	return nil
}

// VerifyFiles runs Verify over two files on disk, reading headers only.
func VerifyFiles(originalPath, anonymizedPath string, cfg VerifyConfig) error {
	var errs *multierror.Error
	original, err := dicomfile.OpenHead(originalPath)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	anonymized, err := dicomfile.OpenHead(anonymizedPath)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	return Verify(original, anonymized, cfg)
}
