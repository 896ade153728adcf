// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package anonymize

import (
	"strconv"

	"github.com/grailbio/go-dicom/dicomtag"
)

// standardDateTimeTags is the set rewritten by the date-shift enhancement
// block. Times ride along with unit "days" so a single block covers the
// whole set.
var standardDateTimeTags = []dicomtag.Tag{
	dicomtag.StudyDate,
	dicomtag.SeriesDate,
	dicomtag.AcquisitionDate,
	dicomtag.ContentDate,
	dicomtag.AcquisitionDateTime,
	dicomtag.StudyTime,
	dicomtag.SeriesTime,
	dicomtag.AcquisitionTime,
	dicomtag.ContentTime,
	dicomtag.PatientBirthDate,
}

// standardUIDTags is the set rewritten by the UID-hash enhancement block.
var standardUIDTags = []dicomtag.Tag{
	dicomtag.SOPInstanceUID,
	dicomtag.StudyInstanceUID,
	dicomtag.SeriesInstanceUID,
	dicomtag.FrameOfReferenceUID,
	dicomtag.SynchronizationFrameOfReferenceUID,
	dicomtag.ReferencedSOPInstanceUID,
}

// EngineTraits describes the script engine the composed script will run on.
type EngineTraits struct {
	// DoubleAppliesSelfShift marks engines that apply a date shift twice
	// when a statement reads and writes the same tag. The enhancer halves
	// the requested days for such engines; the verifier measures the final
	// shift either way.
	DoubleAppliesSelfShift bool
}

// Enhancement is what the route processor asks to be appended to a base
// script for one study.
type Enhancement struct {
	// ShiftDays appends a date-shift block over every standard date/time
	// tag when non-zero.
	ShiftDays int
	// HashUIDs appends a UID-hash block over every standard instance-UID tag.
	HashUIDs bool
	// Assign appends literal assignments, evaluated last so they override
	// anything the base script did to the same tags. The processor uses
	// this for broker pseudonyms.
	Assign []TagAssignment
}

// TagAssignment sets a tag to a literal value.
type TagAssignment struct {
	Tag   dicomtag.Tag
	Value string
}

// Enhance composes the final script: base statements, then the date-shift
// block, then the UID-hash block, then literal assignments. Enhancement
// blocks never duplicate a tag the base script already assigns.
func Enhance(base *Script, enh Enhancement, traits EngineTraits) *Script {
	out := &Script{Name: base.Name}
	out.Statements = append(out.Statements, base.Statements...)

	if enh.ShiftDays != 0 {
		amount := strconv.Itoa(enh.ShiftDays)
		if traits.DoubleAppliesSelfShift {
			amount = halveDays(enh.ShiftDays)
		}
		for _, tag := range standardDateTimeTags {
			if base.AssignsTag(tag) {
				continue
			}
			tag := tag
			out.Statements = append(out.Statements, Statement{
				Target: &tag,
				Expr: &Call{Name: "shiftDateTimeByIncrement", Args: []Expr{
					&TagRef{Tag: tag},
					&StringLit{Value: amount},
					&StringLit{Value: "days"},
				}},
			})
		}
	}

	if enh.HashUIDs {
		for _, tag := range standardUIDTags {
			if base.AssignsTag(tag) {
				continue
			}
			tag := tag
			out.Statements = append(out.Statements, Statement{
				Target: &tag,
				Expr:   &Call{Name: "hashUID", Args: []Expr{&TagRef{Tag: tag}}},
			})
		}
	}

	for _, a := range enh.Assign {
		tag := a.Tag
		out.Statements = append(out.Statements, Statement{
			Target: &tag,
			Expr:   &StringLit{Value: a.Value},
		})
	}
	return out
}

// halveDays renders days/2 so a double-applying engine lands on the exact
// requested shift. Odd values keep the half-day fraction; the shift
// evaluator handles fractional days.
func halveDays(days int) string {
	if days%2 == 0 {
		return strconv.Itoa(days / 2)
	}
	return strconv.FormatFloat(float64(days)/2, 'f', 1, 64)
}
