// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package dicomfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const magicDICM = "DICM"

// Implementation identity written into the file-meta header of instances
// this process persists.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.543.1"
	ImplementationVersionName = "DICOMROUTE"
)

// WriteFileMeta writes a part-10 preamble and file-meta group for a dataset
// that will be appended verbatim afterwards. The C-STORE data stream carries
// the bare dataset, so the receiver reconstructs the header from the
// negotiated presentation context and the command set.
func WriteFileMeta(w io.Writer, sopClassUID, sopInstanceUID, transferSyntaxUID string) error {
	var group bytes.Buffer
	writeMetaElement(&group, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	writeMetaElement(&group, 0x0002, 0x0002, "UI", padUID(sopClassUID))
	writeMetaElement(&group, 0x0002, 0x0003, "UI", padUID(sopInstanceUID))
	writeMetaElement(&group, 0x0002, 0x0010, "UI", padUID(transferSyntaxUID))
	writeMetaElement(&group, 0x0002, 0x0012, "UI", padUID(ImplementationClassUID))
	writeMetaElement(&group, 0x0002, 0x0013, "SH", padString(ImplementationVersionName))

	var header bytes.Buffer
	header.Write(make([]byte, 128))
	header.WriteString(magicDICM)
	// (0002,0000) FileMetaInformationGroupLength UL
	lenValue := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenValue, uint32(group.Len()))
	writeMetaElement(&header, 0x0002, 0x0000, "UL", lenValue)
	header.Write(group.Bytes())

	if _, err := w.Write(header.Bytes()); err != nil {
		return fmt.Errorf("write file meta: %w", err)
	}
	return nil
}

// writeMetaElement encodes one explicit-VR little-endian element. The file
// meta group always uses this encoding regardless of the dataset transfer
// syntax.
func writeMetaElement(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	var tag [4]byte
	binary.LittleEndian.PutUint16(tag[0:2], group)
	binary.LittleEndian.PutUint16(tag[2:4], element)
	buf.Write(tag[:])
	buf.WriteString(vr)
	if isLongVR(vr) {
		buf.Write([]byte{0x00, 0x00})
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(value)))
		buf.Write(l[:])
	} else {
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
		buf.Write(l[:])
	}
	buf.Write(value)
}

func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "UC", "UN", "UR", "UT", "SV", "UV":
		return true
	}
	return false
}

// padUID pads a UID value to even length with a NUL byte.
func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 != 0 {
		b = append(b, 0x00)
	}
	return b
}

// padString pads a text value to even length with a space.
func padString(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, ' ')
	}
	return b
}
