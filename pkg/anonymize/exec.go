// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package anonymize

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// uidRoot prefixes hashed UIDs. 2.25 is the ISO/ITU arc for UUID-derived
// UIDs, which keeps hashed output globally unique without a registered root.
const uidRoot = "2.25."

// UIDSink receives every UID rewrite for the audit trail.
type UIDSink func(uidIn, uidOut, uidType string) error

// AnonymizationError reports a script execution failure.
type AnonymizationError struct {
	Script string
	Line   int
	Err    error
}

func (e *AnonymizationError) Error() string {
	return fmt.Sprintf("script %s line %d: %v", e.Script, e.Line, e.Err)
}

func (e *AnonymizationError) Unwrap() error { return e.Err }

// Executor applies parsed scripts to in-memory datasets. Statements run in
// order; a tag reference reads whatever value the dataset holds at that
// point, so later statements observe earlier rewrites.
type Executor struct {
	// Sink, when set, is invoked for every hashUID rewrite.
	Sink UIDSink
}

// Apply runs the script against the dataset in place.
func (e *Executor) Apply(ds *dicom.DataSet, script *Script) error {
	for _, stmt := range script.Statements {
		if err := e.applyStatement(ds, stmt); err != nil {
			return &AnonymizationError{Script: script.Name, Line: stmt.Line, Err: err}
		}
	}
	return nil
}

func (e *Executor) applyStatement(ds *dicom.DataSet, stmt Statement) error {
	if stmt.Target == nil {
		call := stmt.Expr.(*Call)
		return e.applyBareCall(ds, call)
	}
	value, err := e.eval(ds, stmt.Expr)
	if err != nil {
		return err
	}
	if value == "" {
		// Blank an existing element, but never materialize an empty one:
		// enhancement blocks cover tags many instances simply do not carry.
		if _, findErr := ds.FindElementByTag(*stmt.Target); findErr != nil {
			return nil
		}
	}
	return setTagValue(ds, *stmt.Target, value)
}

func (e *Executor) applyBareCall(ds *dicom.DataSet, call *Call) error {
	switch call.Name {
	case "blankValues":
		for _, arg := range call.Args {
			ref, ok := arg.(*TagRef)
			if !ok {
				return fmt.Errorf("blankValues arguments must be tags")
			}
			if _, err := ds.FindElementByTag(ref.Tag); err != nil {
				continue
			}
			if err := setTagValue(ds, ref.Tag, ""); err != nil {
				return err
			}
		}
		return nil
	case "alterPixels":
		return e.alterPixels(ds, call.Args)
	default:
		return fmt.Errorf("unknown function %s", call.Name)
	}
}

func (e *Executor) eval(ds *dicom.DataSet, expr Expr) (string, error) {
	switch v := expr.(type) {
	case *StringLit:
		return v.Value, nil
	case *TagRef:
		return tagValue(ds, v.Tag), nil
	case *Concat:
		var b strings.Builder
		for _, part := range v.Parts {
			s, err := e.eval(ds, part)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
		return b.String(), nil
	case *Call:
		return e.evalCall(ds, v)
	default:
		return "", fmt.Errorf("unsupported expression %T", expr)
	}
}

func (e *Executor) evalCall(ds *dicom.DataSet, call *Call) (string, error) {
	switch call.Name {
	case "hashUID":
		if len(call.Args) != 1 {
			return "", fmt.Errorf("hashUID takes one argument")
		}
		in, err := e.eval(ds, call.Args[0])
		if err != nil {
			return "", err
		}
		if in == "" {
			return "", nil
		}
		out := HashUID(in)
		if e.Sink != nil {
			if err := e.Sink(in, out, uidTypeOf(call.Args[0])); err != nil {
				return "", fmt.Errorf("record uid mapping: %w", err)
			}
		}
		return out, nil
	case "shiftDateTimeByIncrement":
		if len(call.Args) != 3 {
			return "", fmt.Errorf("shiftDateTimeByIncrement takes tag, amount, unit")
		}
		ref, ok := call.Args[0].(*TagRef)
		if !ok {
			return "", fmt.Errorf("shiftDateTimeByIncrement first argument must be a tag")
		}
		amount, err := e.eval(ds, call.Args[1])
		if err != nil {
			return "", err
		}
		unit, err := e.eval(ds, call.Args[2])
		if err != nil {
			return "", err
		}
		return shiftValue(vrOf(ds, ref.Tag), tagValue(ds, ref.Tag), amount, unit)
	default:
		return "", fmt.Errorf("unknown function %s", call.Name)
	}
}

// HashUID maps a UID to a deterministic replacement under the 2.25 arc.
func HashUID(uid string) string {
	sum := sha256.Sum256([]byte(uid))
	n := new(big.Int).SetBytes(sum[:16])
	out := uidRoot + n.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// uidTypeOf labels a UID rewrite for the audit trail by the source tag name.
func uidTypeOf(arg Expr) string {
	ref, ok := arg.(*TagRef)
	if !ok {
		return "UID"
	}
	info, err := dicomtag.Find(ref.Tag)
	if err != nil {
		return tagString(ref.Tag)
	}
	return info.Name
}

// tagValue returns the current string value of the tag, or "".
func tagValue(ds *dicom.DataSet, tag dicomtag.Tag) string {
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

// vrOf returns the VR of the element in the dataset, falling back to the
// dictionary for absent tags.
func vrOf(ds *dicom.DataSet, tag dicomtag.Tag) string {
	if elem, err := ds.FindElementByTag(tag); err == nil && elem.VR != "" {
		return elem.VR
	}
	if info, err := dicomtag.Find(tag); err == nil {
		return info.VR
	}
	return "UN"
}

// setTagValue replaces or inserts the element for tag with a string value.
func setTagValue(ds *dicom.DataSet, tag dicomtag.Tag, value string) error {
	elem, err := newStringElement(ds, tag, value)
	if err != nil {
		return err
	}
	for i, existing := range ds.Elements {
		if existing.Tag == tag {
			ds.Elements[i] = elem
			return nil
		}
	}
	ds.Elements = append(ds.Elements, elem)
	return nil
}

func newStringElement(ds *dicom.DataSet, tag dicomtag.Tag, value string) (*dicom.Element, error) {
	vr := vrOf(ds, tag)
	switch vr {
	case "US", "UL":
		if value == "" {
			return &dicom.Element{Tag: tag, VR: vr, Value: nil}, nil
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("tag %s: value %q is not numeric for VR %s", tagString(tag), value, vr)
		}
		return &dicom.Element{Tag: tag, VR: vr, Value: []interface{}{uint32(n)}}, nil
	case "SS", "SL", "IS":
		if value == "" {
			return &dicom.Element{Tag: tag, VR: vr, Value: nil}, nil
		}
		if _, err := strconv.ParseInt(value, 10, 32); err != nil {
			return nil, fmt.Errorf("tag %s: value %q is not numeric for VR %s", tagString(tag), value, vr)
		}
		return &dicom.Element{Tag: tag, VR: vr, Value: []interface{}{value}}, nil
	case "SQ", "OB", "OW", "UN":
		return nil, fmt.Errorf("tag %s: cannot assign string to VR %s", tagString(tag), vr)
	default:
		if value == "" {
			return &dicom.Element{Tag: tag, VR: vr, Value: nil}, nil
		}
		return &dicom.Element{Tag: tag, VR: vr, Value: []interface{}{value}}, nil
	}
}

// alterPixels blanks a rectangle of native pixel data. Arguments are shape
// ("rectangle"), a region spec "l=..,t=..,r=..,b=.." in pixels, and a fill
// value. Encapsulated pixel data cannot be edited in place.
func (e *Executor) alterPixels(ds *dicom.DataSet, args []Expr) error {
	if len(args) != 3 {
		return fmt.Errorf("alterPixels takes shape, region, fill")
	}
	var vals [3]string
	for i, arg := range args {
		s, err := e.eval(ds, arg)
		if err != nil {
			return err
		}
		vals[i] = s
	}
	if vals[0] != "rectangle" {
		return fmt.Errorf("alterPixels shape %q not supported", vals[0])
	}
	left, top, right, bottom, err := parseRegion(vals[1])
	if err != nil {
		return err
	}
	fill, err := strconv.ParseUint(vals[2], 10, 16)
	if err != nil {
		return fmt.Errorf("alterPixels fill %q is not numeric", vals[2])
	}

	rows := intTagValue(ds, dicomtag.Rows)
	cols := intTagValue(ds, dicomtag.Columns)
	bits := intTagValue(ds, dicomtag.BitsAllocated)
	if rows == 0 || cols == 0 || (bits != 8 && bits != 16) {
		return fmt.Errorf("alterPixels requires native pixel data with 8 or 16 bits allocated")
	}

	elem, err := ds.FindElementByTag(dicomtag.PixelData)
	if err != nil {
		return fmt.Errorf("alterPixels: no pixel data element")
	}
	data, err := nativePixelBytes(elem)
	if err != nil {
		return err
	}

	bytesPerPixel := bits / 8
	for y := top; y < bottom && y < rows; y++ {
		for x := left; x < right && x < cols; x++ {
			off := (y*cols + x) * bytesPerPixel
			if off+bytesPerPixel > len(data) {
				continue
			}
			data[off] = byte(fill)
			if bytesPerPixel == 2 {
				data[off+1] = byte(fill >> 8)
			}
		}
	}
	return nil
}

// nativePixelBytes returns the mutable pixel buffer of a native (not
// encapsulated) pixel data element. Encapsulated data parses into fragment
// lists, not a flat buffer, and cannot be edited in place.
func nativePixelBytes(elem *dicom.Element) ([]byte, error) {
	if len(elem.Value) == 0 {
		return nil, fmt.Errorf("alterPixels: empty pixel data")
	}
	data, ok := elem.Value[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("alterPixels: encapsulated pixel data cannot be edited")
	}
	return data, nil
}

func intTagValue(ds *dicom.DataSet, tag dicomtag.Tag) int {
	elem, err := ds.FindElementByTag(tag)
	if err != nil || len(elem.Value) == 0 {
		return 0
	}
	switch v := elem.Value[0].(type) {
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	default:
		return 0
	}
}

// parseRegion parses "l=10,t=0,r=200,b=40".
func parseRegion(spec string) (left, top, right, bottom int, err error) {
	for _, part := range strings.Split(spec, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return 0, 0, 0, 0, fmt.Errorf("bad region component %q", part)
		}
		n, convErr := strconv.Atoi(kv[1])
		if convErr != nil {
			return 0, 0, 0, 0, fmt.Errorf("bad region component %q", part)
		}
		switch kv[0] {
		case "l":
			left = n
		case "t":
			top = n
		case "r":
			right = n
		case "b":
			bottom = n
		default:
			return 0, 0, 0, 0, fmt.Errorf("unknown region key %q", kv[0])
		}
	}
	if right <= left || bottom <= top {
		return 0, 0, 0, 0, fmt.Errorf("empty region %q", spec)
	}
	return left, top, right, bottom, nil
}
