// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package anonymize

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"

	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

// Anonymizer rewrites instances on disk. Files above StreamThreshold bytes
// take a streaming path: the pre-pixel head is parsed and rewritten in
// memory while pixel data is copied byte for byte, so a multi-gigabyte
// instance never loads into RAM.
type Anonymizer struct {
	StreamThreshold int64
	Executor        Executor
}

// New returns an Anonymizer. sink may be nil when no UID audit trail is
// wanted.
func New(streamThreshold int64, sink UIDSink) *Anonymizer {
	return &Anonymizer{
		StreamThreshold: streamThreshold,
		Executor:        Executor{Sink: sink},
	}
}

// AnonymizeFile applies the script to the instance at inPath, writes the
// result to outPath and verifies it against the source. On any failure the
// output file is removed; a VerificationError additionally means the
// instance must be treated as unsendable.
func (a *Anonymizer) AnonymizeFile(inPath, outPath string, script *Script, verify VerifyConfig) error {
	if err := a.rewrite(inPath, outPath, script); err != nil {
		os.Remove(outPath)
		return err
	}
	if err := VerifyFiles(inPath, outPath, verify); err != nil {
		os.Remove(outPath)
		return err
	}
	return nil
}

func (a *Anonymizer) rewrite(inPath, outPath string, script *Script) error {
	fi, err := os.Stat(inPath)
	if err != nil {
		return err
	}
	if fi.Size() >= a.StreamThreshold && !usesAlterPixels(script) {
		err := a.rewriteStreaming(inPath, outPath, script)
		if err == nil || !errors.Is(err, errStreamUnsupported) {
			return err
		}
		// Fall through to the in-memory path for layouts the raw tail
		// copy cannot preserve.
	}
	return a.rewriteInMemory(inPath, outPath, script)
}

func usesAlterPixels(script *Script) bool {
	for _, stmt := range script.Statements {
		if call, ok := stmt.Expr.(*Call); ok && call.Name == "alterPixels" {
			return true
		}
	}
	return false
}

func (a *Anonymizer) rewriteInMemory(inPath, outPath string, script *Script) error {
	ds, err := dicom.ReadDataSetFromFile(inPath, dicom.ReadOptions{})
	if err != nil {
		return fmt.Errorf("parse %s: %w", inPath, err)
	}
	if err := a.Executor.Apply(ds, script); err != nil {
		return err
	}
	syncFileMeta(ds)
	sortElements(ds)
	if err := dicom.WriteDataSetToFile(outPath, ds); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	return nil
}

var errStreamUnsupported = errors.New("file layout not streamable")

// rewriteStreaming rewrites everything before pixel data and copies the
// pixel element bytes verbatim.
func (a *Anonymizer) rewriteStreaming(inPath, outPath string, script *Script) error {
	layout, err := dicomfile.PixelDataLayout(inPath)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errStreamUnsupported)
	}
	if layout.TrailerAfterPixel {
		return errStreamUnsupported
	}

	head, err := dicomfile.OpenHead(inPath)
	if err != nil {
		return err
	}
	if err := a.Executor.Apply(head, script); err != nil {
		return err
	}
	sortElements(head)

	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()
	if _, err := in.Seek(layout.Offset, io.SeekStart); err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	attrs := dicomfile.AttributesOf(head)
	if err := dicomfile.WriteFileMeta(out, attrs.SOPClassUID, attrs.SOPInstanceUID, layout.TransferSyntaxUID); err != nil {
		return err
	}
	if err := writeDatasetElements(out, head, layout.TransferSyntaxUID); err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy pixel data: %w", err)
	}
	return out.Sync()
}

// writeDatasetElements encodes the non-meta elements in the dataset's
// transfer syntax.
func writeDatasetElements(w io.Writer, ds *dicom.DataSet, transferSyntaxUID string) error {
	endian, implicit, err := dicomio.ParseTransferSyntaxUID(transferSyntaxUID)
	if err != nil {
		return fmt.Errorf("transfer syntax %s: %w", transferSyntaxUID, err)
	}
	e := dicomio.NewEncoder(w, endian, implicit)
	for _, elem := range ds.Elements {
		if elem.Tag.Group == dicomtag.MetadataGroup || elem.Tag == dicomtag.PixelData {
			continue
		}
		dicom.WriteElement(e, elem)
	}
	return e.Error()
}

// syncFileMeta keeps the media storage meta attributes consistent with a
// rewritten SOP instance.
func syncFileMeta(ds *dicom.DataSet) {
	if v := tagValue(ds, dicomtag.SOPClassUID); v != "" {
		setTagValue(ds, dicomtag.MediaStorageSOPClassUID, v)
	}
	if v := tagValue(ds, dicomtag.SOPInstanceUID); v != "" {
		setTagValue(ds, dicomtag.MediaStorageSOPInstanceUID, v)
	}
}

// sortElements restores ascending tag order after in-place edits appended
// new elements.
func sortElements(ds *dicom.DataSet) {
	sort.SliceStable(ds.Elements, func(i, j int) bool {
		a, b := ds.Elements[i].Tag, ds.Elements[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
}
