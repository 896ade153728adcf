// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package dicomfile reads and writes DICOM part-10 files on disk. It wraps
// the dataset parser with the small amount of byte-level plumbing the
// streaming receive path needs: writing a file-meta header ahead of a
// dataset that is never held in memory, and locating pixel data so large
// instances can be copied without parsing them.
package dicomfile

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// Attributes is the identifying subset of an instance used for routing,
// grouping and destination naming.
type Attributes struct {
	SOPClassUID       string
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	PatientID         string
	PatientName       string
	PatientBirthDate  string
	StudyDate         string
	StudyTime         string
	AccessionNumber   string
	Modality          string
	TransferSyntaxUID string
}

// OpenHead parses everything up to (but not including) pixel data.
func OpenHead(path string) (*dicom.DataSet, error) {
	stop := dicomtag.PixelData
	ds, err := dicom.ReadDataSetFromFile(path, dicom.ReadOptions{
		DropPixelData: true,
		StopAtTag:     &stop,
	})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return ds, nil
}

// ReadAttributes scans the identifying attributes of the instance at path.
// Pixel data is never read.
func ReadAttributes(path string) (*Attributes, error) {
	ds, err := OpenHead(path)
	if err != nil {
		return nil, err
	}
	return AttributesOf(ds), nil
}

// AttributesOf extracts the identifying attributes from a parsed dataset.
func AttributesOf(ds *dicom.DataSet) *Attributes {
	return &Attributes{
		SOPClassUID:       ElementString(ds, dicomtag.SOPClassUID),
		SOPInstanceUID:    ElementString(ds, dicomtag.SOPInstanceUID),
		StudyInstanceUID:  ElementString(ds, dicomtag.StudyInstanceUID),
		SeriesInstanceUID: ElementString(ds, dicomtag.SeriesInstanceUID),
		PatientID:         ElementString(ds, dicomtag.PatientID),
		PatientName:       ElementString(ds, dicomtag.PatientName),
		PatientBirthDate:  ElementString(ds, dicomtag.PatientBirthDate),
		StudyDate:         ElementString(ds, dicomtag.StudyDate),
		StudyTime:         ElementString(ds, dicomtag.StudyTime),
		AccessionNumber:   ElementString(ds, dicomtag.AccessionNumber),
		Modality:          ElementString(ds, dicomtag.Modality),
		TransferSyntaxUID: ElementString(ds, dicomtag.TransferSyntaxUID),
	}
}

// ElementString returns the first string value of the element, or "" when the
// element is absent or not a string. DICOM pads string values to even length;
// trailing padding is stripped.
func ElementString(ds *dicom.DataSet, tag dicomtag.Tag) string {
	elem, err := ds.FindElementByTag(tag)
	if err != nil {
		return ""
	}
	s, err := elem.GetString()
	if err != nil {
		return ""
	}
	return strings.TrimRight(s, " \x00")
}

// IsDICOMFile sniffs the part-10 magic without parsing the file.
func IsDICOMFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var header [132]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return false
	}
	return string(header[128:132]) == magicDICM
}

// ScanDir returns the DICOM files under dir. Non-DICOM files are skipped.
func ScanDir(dir string, recursive bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if IsDICOMFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return files, nil
}

// SanitizeName maps a destination or pattern component to a safe file name.
// Characters outside [A-Za-z0-9_.-] become underscores.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '.' || r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
