// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package dicomtest builds small synthetic DICOM instances for tests. The
// encoder is deliberately independent of the dataset library so tests
// exercise the real parse path against hand-assembled bytes.
package dicomtest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/go-dicom/dicomuid"

	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

// Element is one explicit-VR little-endian dataset element.
type Element struct {
	Group   uint16
	Elem    uint16
	VR      string
	String  string
	UInt16  uint16
	Bytes   []byte
}

// Instance describes a synthetic instance. Zero-valued fields are omitted
// from the dataset.
type Instance struct {
	SOPClassUID      string
	SOPInstanceUID   string
	StudyUID         string
	SeriesUID        string
	StudyDate        string
	SeriesDate       string
	StudyTime        string
	AccessionNumber  string
	Modality         string
	PatientName      string
	PatientID        string
	PatientBirthDate string
	Rows             uint16
	Columns          uint16
	BitsAllocated    uint16
	Extra            []Element
	PixelData        []byte
}

// New returns an instance with plausible defaults for the given SOP UID.
func New(sopInstanceUID string) Instance {
	return Instance{
		SOPClassUID:      "1.2.840.10008.5.1.4.1.1.2", // CT Image Storage
		SOPInstanceUID:   sopInstanceUID,
		StudyUID:         "1.2.3.4.5",
		SeriesUID:        "1.2.3.4.5.1",
		StudyDate:        "20240115",
		StudyTime:        "101500",
		AccessionNumber:  "ACC001",
		Modality:         "CT",
		PatientName:      "John^Doe",
		PatientID:        "12345",
		PatientBirthDate: "19700307",
	}
}

// BuildDataset encodes the bare dataset as it would travel in a C-STORE data
// stream, explicit VR little endian.
func (in Instance) BuildDataset(t testing.TB) []byte {
	t.Helper()
	var buf bytes.Buffer
	putStr := func(group, elem uint16, vr, v string) {
		if v != "" {
			writeElement(&buf, group, elem, vr, padValue(vr, v))
		}
	}
	putStr(0x0008, 0x0016, "UI", in.SOPClassUID)
	putStr(0x0008, 0x0018, "UI", in.SOPInstanceUID)
	putStr(0x0008, 0x0020, "DA", in.StudyDate)
	putStr(0x0008, 0x0021, "DA", in.SeriesDate)
	putStr(0x0008, 0x0030, "TM", in.StudyTime)
	putStr(0x0008, 0x0050, "SH", in.AccessionNumber)
	putStr(0x0008, 0x0060, "CS", in.Modality)
	putStr(0x0010, 0x0010, "PN", in.PatientName)
	putStr(0x0010, 0x0020, "LO", in.PatientID)
	putStr(0x0010, 0x0030, "DA", in.PatientBirthDate)
	putStr(0x0020, 0x000D, "UI", in.StudyUID)
	putStr(0x0020, 0x000E, "UI", in.SeriesUID)
	if in.BitsAllocated != 0 {
		writeUint16Element(&buf, 0x0028, 0x0010, in.Rows)
		writeUint16Element(&buf, 0x0028, 0x0011, in.Columns)
		writeUint16Element(&buf, 0x0028, 0x0100, in.BitsAllocated)
	}
	for _, e := range in.Extra {
		switch {
		case e.Bytes != nil:
			writeElement(&buf, e.Group, e.Elem, e.VR, e.Bytes)
		case e.VR == "US":
			writeUint16Element(&buf, e.Group, e.Elem, e.UInt16)
		default:
			writeElement(&buf, e.Group, e.Elem, e.VR, padValue(e.VR, e.String))
		}
	}
	if in.PixelData != nil {
		data := in.PixelData
		if len(data)%2 != 0 {
			data = append(data, 0x00)
		}
		writeElement(&buf, 0x7FE0, 0x0010, "OW", data)
	}
	return buf.Bytes()
}

// Build encodes a complete part-10 file: preamble, file meta, dataset.
func (in Instance) Build(t testing.TB) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := dicomfile.WriteFileMeta(&buf, in.SOPClassUID, in.SOPInstanceUID, dicomuid.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("write file meta: %v", err)
	}
	buf.Write(in.BuildDataset(t))
	return buf.Bytes()
}

// Write builds the instance and writes it to path.
func (in Instance) Write(t testing.TB, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, in.Build(t), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteTo writes the instance as <sop>.dcm under dir and returns the path.
func (in Instance) WriteTo(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, in.SOPInstanceUID+".dcm")
	in.Write(t, path)
	return path
}

func writeElement(buf *bytes.Buffer, group, elem uint16, vr string, value []byte) {
	var tag [4]byte
	binary.LittleEndian.PutUint16(tag[0:2], group)
	binary.LittleEndian.PutUint16(tag[2:4], elem)
	buf.Write(tag[:])
	buf.WriteString(vr)
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "UC", "UN", "UR", "UT", "SV", "UV":
		buf.Write([]byte{0x00, 0x00})
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(value)))
		buf.Write(l[:])
	default:
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
		buf.Write(l[:])
	}
	buf.Write(value)
}

func writeUint16Element(buf *bytes.Buffer, group, elem uint16, v uint16) {
	var value [2]byte
	binary.LittleEndian.PutUint16(value[:], v)
	writeElement(buf, group, elem, "US", value[:])
}

func padValue(vr, s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		if vr == "UI" {
			b = append(b, 0x00)
		} else {
			b = append(b, ' ')
		}
	}
	return b
}
