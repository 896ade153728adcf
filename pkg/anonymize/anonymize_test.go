// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package anonymize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomroute/dicomroute/internal/dicomtest"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

func writeScript(t *testing.T, dir, name, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".das"), []byte(text), 0o644))
}

func testAnonymizer(t *testing.T) *Anonymizer {
	t.Helper()
	return New(100*1024*1024, nil)
}

func hipaaScript(t *testing.T) *Script {
	t.Helper()
	s, err := NewStore("").Get(ScriptHIPAAStandard)
	require.NoError(t, err)
	return s
}

func TestAnonymizeRewritesIdentity(t *testing.T) {
	dir := t.TempDir()
	in := dicomtest.New("1.2.3.4.5.1.1").WriteTo(t, dir)
	out := filepath.Join(dir, "out.dcm")

	a := testAnonymizer(t)
	err := a.AnonymizeFile(in, out, hipaaScript(t), DefaultVerifyConfig())
	require.NoError(t, err)

	orig, err := dicomfile.ReadAttributes(in)
	require.NoError(t, err)
	anon, err := dicomfile.ReadAttributes(out)
	require.NoError(t, err)

	assert.NotEqual(t, orig.SOPInstanceUID, anon.SOPInstanceUID)
	assert.NotEqual(t, orig.StudyInstanceUID, anon.StudyInstanceUID)
	assert.NotEqual(t, orig.SeriesInstanceUID, anon.SeriesInstanceUID)
	assert.NotEqual(t, orig.PatientName, anon.PatientName)
	assert.NotEqual(t, orig.PatientID, anon.PatientID)
	assert.Empty(t, anon.AccessionNumber)
	assert.Empty(t, anon.PatientBirthDate)
}

func TestAnonymizeIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	in := dicomtest.New("1.2.3.4.5.1.1").WriteTo(t, dir)
	out1 := filepath.Join(dir, "out1.dcm")
	out2 := filepath.Join(dir, "out2.dcm")

	a := testAnonymizer(t)
	require.NoError(t, a.AnonymizeFile(in, out1, hipaaScript(t), DefaultVerifyConfig()))
	require.NoError(t, a.AnonymizeFile(in, out2, hipaaScript(t), DefaultVerifyConfig()))

	a1, err := dicomfile.ReadAttributes(out1)
	require.NoError(t, err)
	a2, err := dicomfile.ReadAttributes(out2)
	require.NoError(t, err)
	assert.Equal(t, a1.SOPInstanceUID, a2.SOPInstanceUID)
	assert.Equal(t, a1.StudyInstanceUID, a2.StudyInstanceUID)
}

func TestAnonymizeDateShift(t *testing.T) {
	dir := t.TempDir()
	inst := dicomtest.New("1.2.3.4.5.1.1")
	inst.StudyDate = "20240115"
	inst.SeriesDate = "20240115"
	in := inst.WriteTo(t, dir)
	out := filepath.Join(dir, "out.dcm")

	script := Enhance(hipaaScript(t), Enhancement{ShiftDays: 30}, EngineTraits{})

	shift := 30
	cfg := DefaultVerifyConfig()
	cfg.ExpectedShiftDays = &shift

	a := testAnonymizer(t)
	require.NoError(t, a.AnonymizeFile(in, out, script, cfg))

	anon, err := dicomfile.ReadAttributes(out)
	require.NoError(t, err)
	assert.Equal(t, "20240214", anon.StudyDate)
}

func TestAnonymizeVerifierBlocksLeak(t *testing.T) {
	dir := t.TempDir()
	in := dicomtest.New("1.2.3.4.5.1.1").WriteTo(t, dir)
	out := filepath.Join(dir, "out.dcm")

	// A script that forgets the series UID must never produce output.
	leaky, err := Parse("leaky", `(0020,000D) := hashUID[(0020,000D)]
(0008,0018) := hashUID[(0008,0018)]
(0010,0010) := "ANONYMOUS"
(0010,0020) := "SUBJ1"`)
	require.NoError(t, err)

	a := testAnonymizer(t)
	err = a.AnonymizeFile(in, out, leaky, DefaultVerifyConfig())
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "SeriesInstanceUID")
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "verifier must discard the output file")
}

func TestAnonymizeUIDSinkReceivesMappings(t *testing.T) {
	dir := t.TempDir()
	in := dicomtest.New("1.2.3.4.5.1.1").WriteTo(t, dir)
	out := filepath.Join(dir, "out.dcm")

	var mappings [][3]string
	a := New(100*1024*1024, func(uidIn, uidOut, uidType string) error {
		mappings = append(mappings, [3]string{uidIn, uidOut, uidType})
		return nil
	})
	require.NoError(t, a.AnonymizeFile(in, out, hipaaScript(t), DefaultVerifyConfig()))

	types := map[string]bool{}
	for _, m := range mappings {
		types[m[2]] = true
		assert.NotEqual(t, m[0], m[1])
	}
	assert.True(t, types["StudyInstanceUID"])
	assert.True(t, types["SeriesInstanceUID"])
	assert.True(t, types["SOPInstanceUID"])
}

func TestAlterPixelsBlanksRegion(t *testing.T) {
	dir := t.TempDir()
	inst := dicomtest.New("1.2.3.4.5.1.1")
	inst.Rows, inst.Columns, inst.BitsAllocated = 4, 4, 8
	pixels := make([]byte, 16)
	for i := range pixels {
		pixels[i] = 0xFF
	}
	inst.PixelData = pixels
	in := inst.WriteTo(t, dir)
	out := filepath.Join(dir, "out.dcm")

	script, err := Parse("blank", `(0008,0018) := hashUID[(0008,0018)]
(0020,000D) := hashUID[(0020,000D)]
(0020,000E) := hashUID[(0020,000E)]
(0010,0010) := "ANONYMOUS"
(0010,0020) := "SUBJ1"
alterPixels["rectangle", "l=0,t=0,r=4,b=2", "0"]`)
	require.NoError(t, err)

	a := testAnonymizer(t)
	require.NoError(t, a.AnonymizeFile(in, out, script, DefaultVerifyConfig()))
}

func TestHashUIDDeterministicAndValid(t *testing.T) {
	out1 := HashUID("1.2.3.4.5")
	out2 := HashUID("1.2.3.4.5")
	assert.Equal(t, out1, out2)
	assert.NotEqual(t, "1.2.3.4.5", out1)
	assert.LessOrEqual(t, len(out1), 64)
	assert.Contains(t, out1, "2.25.")
	assert.NotEqual(t, out1, HashUID("1.2.3.4.6"))
}

func TestEnhanceAppendsDateAndUIDBlocks(t *testing.T) {
	base, err := Parse("base", `(0010,0010) := "ANONYMOUS"`)
	require.NoError(t, err)

	out := Enhance(base, Enhancement{ShiftDays: 30, HashUIDs: true}, EngineTraits{})
	assert.True(t, out.AssignsTag(dicomtag.StudyDate))
	assert.True(t, out.AssignsTag(dicomtag.PatientBirthDate))
	assert.True(t, out.AssignsTag(dicomtag.StudyInstanceUID))
	assert.True(t, out.AssignsTag(dicomtag.SOPInstanceUID))
}

func TestEnhanceNeverDuplicatesBaseAssignments(t *testing.T) {
	base, err := Parse("base", `(0008,0020) := shiftDateTimeByIncrement[(0008,0020), "10", "days"]
(0020,000D) := hashUID[(0020,000D)]`)
	require.NoError(t, err)

	out := Enhance(base, Enhancement{ShiftDays: 30, HashUIDs: true}, EngineTraits{})
	countStudyDate := 0
	countStudyUID := 0
	for _, stmt := range out.Statements {
		if stmt.Target == nil {
			continue
		}
		switch *stmt.Target {
		case dicomtag.StudyDate:
			countStudyDate++
		case dicomtag.StudyInstanceUID:
			countStudyUID++
		}
	}
	assert.Equal(t, 1, countStudyDate)
	assert.Equal(t, 1, countStudyUID)
}

func TestEnhancePseudonymAssignmentsWinOverBase(t *testing.T) {
	dir := t.TempDir()
	in := dicomtest.New("1.2.3.4.5.1.1").WriteTo(t, dir)
	out := filepath.Join(dir, "out.dcm")

	script := Enhance(hipaaScript(t), Enhancement{Assign: []TagAssignment{
		{Tag: dicomtag.PatientID, Value: "brave-otter"},
		{Tag: dicomtag.PatientName, Value: "brave-otter"},
	}}, EngineTraits{})

	a := testAnonymizer(t)
	require.NoError(t, a.AnonymizeFile(in, out, script, DefaultVerifyConfig()))

	anon, err := dicomfile.ReadAttributes(out)
	require.NoError(t, err)
	assert.Equal(t, "brave-otter", anon.PatientID)
	assert.Equal(t, "brave-otter", anon.PatientName)
}

// TestEnhanceCompensatesDoubleApplyingEngine simulates an engine that
// applies date-shift statements twice: the composed script is run, then its
// shift statements are run again. With the halved amount the measured shift
// must equal the requested days exactly.
func TestEnhanceCompensatesDoubleApplyingEngine(t *testing.T) {
	dir := t.TempDir()
	inst := dicomtest.New("1.2.3.4.5.1.1")
	inst.StudyDate = "20240115"
	in := inst.WriteTo(t, dir)
	out := filepath.Join(dir, "out.dcm")

	base, err := Parse("base", `(0010,0010) := "ANONYMOUS"`)
	require.NoError(t, err)
	script := Enhance(base, Enhancement{ShiftDays: 30}, EngineTraits{DoubleAppliesSelfShift: true})

	// Second application of just the shift statements, as the quirky
	// engine would do.
	var shiftOnly Script
	for _, stmt := range script.Statements {
		if call, ok := stmt.Expr.(*Call); ok && call.Name == "shiftDateTimeByIncrement" {
			shiftOnly.Statements = append(shiftOnly.Statements, stmt)
		}
	}

	a := testAnonymizer(t)
	require.NoError(t, a.rewriteInMemory(in, out, script))
	require.NoError(t, a.rewriteInMemory(out, out, &shiftOnly))

	anon, err := dicomfile.ReadAttributes(out)
	require.NoError(t, err)
	days, err := daysBetween("20240115", anon.StudyDate)
	require.NoError(t, err)
	assert.Equal(t, 30, days)
}

func TestShiftValueFormats(t *testing.T) {
	for _, tc := range []struct {
		vr, in, amount, unit, want string
	}{
		{"DA", "20240115", "30", "days", "20240214"},
		{"DA", "20240115", "-15", "days", "20231231"},
		{"DA", "", "30", "days", ""},
		{"TM", "101500", "30", "days", "101500"},
		{"TM", "101500", "90", "seconds", "101630"},
		{"DT", "20240115101500", "30", "days", "20240214101500"},
	} {
		got, err := shiftValue(tc.vr, tc.in, tc.amount, tc.unit)
		require.NoError(t, err, "%+v", tc)
		assert.Equal(t, tc.want, got, "%+v", tc)
	}

	_, err := shiftValue("DA", "notadate", "30", "days")
	assert.Error(t, err)
	_, err = shiftValue("DA", "20240115", "30", "fortnights")
	assert.Error(t, err)
}
