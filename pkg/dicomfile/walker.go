// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package dicomfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/go-dicom/dicomuid"
)

// ErrNoPixelData is returned by PixelDataLayout when the instance carries no
// pixel data element.
var ErrNoPixelData = errors.New("no pixel data element")

// PixelInfo describes where the pixel data element sits in a part-10 file.
// The dataset parser cannot report byte offsets, and loading multi-gigabyte
// pixel data to find them would break the streaming memory budget, so this
// package walks element headers directly.
type PixelInfo struct {
	// Offset is the byte offset of the pixel data element header.
	Offset int64
	// Encapsulated reports undefined-length (fragmented) pixel data.
	Encapsulated bool
	// TrailerAfterPixel reports that elements follow pixel data. Such files
	// cannot be rewritten by head-rewrite plus raw pixel copy.
	TrailerAfterPixel bool
	// TransferSyntaxUID is the dataset encoding read from the file meta.
	TransferSyntaxUID string
}

// PixelDataLayout walks the element headers of the file at path and reports
// the position of pixel data. Only headers are read; values are skipped.
func PixelDataLayout(path string) (*PixelInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w := &walker{r: bufio.NewReaderSize(f, 64*1024)}
	info, err := w.run()
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", path, err)
	}
	return info, nil
}

// DatasetLayout reports where the main dataset begins in the part-10 file at
// path and which transfer syntax encodes it. Network senders use this to put
// the dataset bytes on the wire without re-encoding.
func DatasetLayout(path string) (offset int64, transferSyntaxUID string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	w := &walker{r: bufio.NewReaderSize(f, 64*1024)}
	tsuid, err := w.readFileMeta()
	if err != nil {
		return 0, "", fmt.Errorf("walk %s: %w", path, err)
	}
	return w.off, tsuid, nil
}

type walker struct {
	r   *bufio.Reader
	off int64

	order    binary.ByteOrder
	implicit bool
}

func (w *walker) run() (*PixelInfo, error) {
	tsuid, err := w.readFileMeta()
	if err != nil {
		return nil, err
	}
	switch tsuid {
	case dicomuid.DeflatedExplicitVRLittleEndian:
		return nil, fmt.Errorf("deflated transfer syntax not supported for streaming")
	case dicomuid.ImplicitVRLittleEndian:
		w.order, w.implicit = binary.LittleEndian, true
	case dicomuid.ExplicitVRBigEndian:
		w.order, w.implicit = binary.BigEndian, false
	default:
		// Explicit little endian, including all encapsulated syntaxes.
		w.order, w.implicit = binary.LittleEndian, false
	}

	info := &PixelInfo{Offset: -1, TransferSyntaxUID: tsuid}
	for {
		start := w.off
		group, element, err := w.readTag()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		vr, length, err := w.readVRLength()
		if err != nil {
			return nil, err
		}
		if group == 0x7FE0 && element == 0x0010 {
			info.Offset = start
			info.Encapsulated = length == undefinedLength
			if err := w.skipValue(vr, length); err != nil {
				return nil, err
			}
			// Anything left is a trailer the raw-copy path would carry over
			// unmodified.
			if _, err := w.r.Peek(1); err == nil {
				info.TrailerAfterPixel = true
			}
			return info, nil
		}
		if err := w.skipValue(vr, length); err != nil {
			return nil, err
		}
	}
	return info, ErrNoPixelData
}

// readFileMeta consumes the preamble and the file meta group, which is always
// explicit VR little endian, and returns the dataset transfer syntax.
func (w *walker) readFileMeta() (string, error) {
	header := make([]byte, 132)
	if err := w.read(header); err != nil {
		return "", err
	}
	if string(header[128:132]) != magicDICM {
		return "", fmt.Errorf("missing DICM magic")
	}
	w.order, w.implicit = binary.LittleEndian, false

	// (0002,0000) group length
	group, element, err := w.readTag()
	if err != nil {
		return "", err
	}
	if group != 0x0002 || element != 0x0000 {
		return "", fmt.Errorf("file meta does not start with group length")
	}
	vr, length, err := w.readVRLength()
	if err != nil {
		return "", err
	}
	if vr != "UL" || length != 4 {
		return "", fmt.Errorf("bad group length element")
	}
	var glen [4]byte
	if err := w.read(glen[:]); err != nil {
		return "", err
	}
	metaBytes := make([]byte, binary.LittleEndian.Uint32(glen[:]))
	if err := w.read(metaBytes); err != nil {
		return "", err
	}
	return parseMetaGroup(metaBytes)
}

// parseMetaGroup scans explicit-LE elements for (0002,0010).
func parseMetaGroup(data []byte) (string, error) {
	for len(data) >= 8 {
		group := binary.LittleEndian.Uint16(data[0:2])
		element := binary.LittleEndian.Uint16(data[2:4])
		vr := string(data[4:6])
		var length uint32
		var headerLen int
		if isLongVR(vr) {
			if len(data) < 12 {
				break
			}
			length = binary.LittleEndian.Uint32(data[8:12])
			headerLen = 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[6:8]))
			headerLen = 8
		}
		if uint32(len(data)) < uint32(headerLen)+length {
			break
		}
		value := data[headerLen : uint32(headerLen)+length]
		if group == 0x0002 && element == 0x0010 {
			uid := string(value)
			for len(uid) > 0 && (uid[len(uid)-1] == 0x00 || uid[len(uid)-1] == ' ') {
				uid = uid[:len(uid)-1]
			}
			return uid, nil
		}
		data = data[uint32(headerLen)+length:]
	}
	return "", fmt.Errorf("transfer syntax not found in file meta")
}

const undefinedLength = 0xFFFFFFFF

func (w *walker) read(p []byte) error {
	n, err := io.ReadFull(w.r, p)
	w.off += int64(n)
	return err
}

func (w *walker) readTag() (uint16, uint16, error) {
	var b [4]byte
	if err := w.read(b[:]); err != nil {
		return 0, 0, err
	}
	return w.order.Uint16(b[0:2]), w.order.Uint16(b[2:4]), nil
}

// readVRLength reads the VR (explicit only) and value length following a tag.
func (w *walker) readVRLength() (string, uint32, error) {
	if w.implicit {
		var b [4]byte
		if err := w.read(b[:]); err != nil {
			return "", 0, err
		}
		return "", w.order.Uint32(b[:]), nil
	}
	var vrb [2]byte
	if err := w.read(vrb[:]); err != nil {
		return "", 0, err
	}
	vr := string(vrb[:])
	if isLongVR(vr) {
		var b [6]byte
		if err := w.read(b[:]); err != nil {
			return "", 0, err
		}
		return vr, w.order.Uint32(b[2:6]), nil
	}
	var b [2]byte
	if err := w.read(b[:]); err != nil {
		return "", 0, err
	}
	return vr, uint32(w.order.Uint16(b[:])), nil
}

func (w *walker) skip(n int64) error {
	m, err := w.r.Discard(int(n))
	w.off += int64(m)
	return err
}

// skipValue consumes an element value, descending into undefined-length
// sequences and fragment lists.
func (w *walker) skipValue(vr string, length uint32) error {
	if length != undefinedLength {
		if vr == "SQ" {
			// Defined-length sequences are opaque byte runs for skipping.
			return w.skip(int64(length))
		}
		return w.skip(int64(length))
	}
	return w.skipUndefined()
}

// skipUndefined consumes items until the sequence delimitation item. Both SQ
// sequences and encapsulated pixel data share this item structure.
func (w *walker) skipUndefined() error {
	for {
		group, element, err := w.readTag()
		if err != nil {
			return err
		}
		var b [4]byte
		if err := w.read(b[:]); err != nil {
			return err
		}
		length := w.order.Uint32(b[:])
		switch {
		case group == 0xFFFE && element == 0xE0DD:
			return nil // sequence delimitation
		case group == 0xFFFE && element == 0xE000:
			if length == undefinedLength {
				if err := w.skipItemElements(); err != nil {
					return err
				}
			} else if err := w.skip(int64(length)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected tag (%04x,%04x) inside undefined-length value", group, element)
		}
	}
}

// skipItemElements consumes elements of an undefined-length item up to the
// item delimitation item.
func (w *walker) skipItemElements() error {
	for {
		group, element, err := w.readTag()
		if err != nil {
			return err
		}
		if group == 0xFFFE && element == 0xE00D {
			var b [4]byte
			return w.read(b[:]) // zero length
		}
		vr, length, err := w.readVRLength()
		if err != nil {
			return err
		}
		if err := w.skipValue(vr, length); err != nil {
			return err
		}
	}
}
