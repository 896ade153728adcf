// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package dicomfile_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomroute/dicomroute/internal/dicomtest"
	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

func TestPixelDataLayout(t *testing.T) {
	in := dicomtest.New("1.2.3.9")
	in.PixelData = bytes.Repeat([]byte{0xAB}, 512)
	path := in.WriteTo(t, t.TempDir())

	info, err := dicomfile.PixelDataLayout(path)
	require.NoError(t, err)
	assert.False(t, info.Encapsulated)
	assert.False(t, info.TrailerAfterPixel)

	// The offset must point at the (7FE0,0010) element header.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Less(t, info.Offset, int64(len(raw)))
	assert.Equal(t, uint16(0x7FE0), binary.LittleEndian.Uint16(raw[info.Offset:info.Offset+2]))
	assert.Equal(t, uint16(0x0010), binary.LittleEndian.Uint16(raw[info.Offset+2:info.Offset+4]))
}

func TestPixelDataLayoutNoPixel(t *testing.T) {
	path := dicomtest.New("1.2.3.10").WriteTo(t, t.TempDir())

	_, err := dicomfile.PixelDataLayout(path)
	require.ErrorIs(t, err, dicomfile.ErrNoPixelData)
}

func TestPixelDataLayoutSkipsSequences(t *testing.T) {
	// An undefined-length sequence before pixel data must be skipped by item
	// structure, not by length.
	var seq bytes.Buffer
	item := bytes.Repeat([]byte{0x00}, 8)
	// item header (FFFE,E000) with defined length
	binary.Write(&seq, binary.LittleEndian, uint16(0xFFFE))
	binary.Write(&seq, binary.LittleEndian, uint16(0xE000))
	binary.Write(&seq, binary.LittleEndian, uint32(len(item)))
	seq.Write(item)
	// sequence delimitation (FFFE,E0DD), zero length
	binary.Write(&seq, binary.LittleEndian, uint16(0xFFFE))
	binary.Write(&seq, binary.LittleEndian, uint16(0xE0DD))
	binary.Write(&seq, binary.LittleEndian, uint32(0))

	ds := dicomtest.New("1.2.3.11")
	var buf bytes.Buffer
	buf.Write(ds.BuildDataset(t))
	binary.Write(&buf, binary.LittleEndian, uint16(0x0008))
	binary.Write(&buf, binary.LittleEndian, uint16(0x1115))
	buf.WriteString("SQ")
	buf.Write([]byte{0x00, 0x00})
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF))
	buf.Write(seq.Bytes())
	// pixel data after the sequence
	pixel := bytes.Repeat([]byte{0x42}, 64)
	binary.Write(&buf, binary.LittleEndian, uint16(0x7FE0))
	binary.Write(&buf, binary.LittleEndian, uint16(0x0010))
	buf.WriteString("OW")
	buf.Write([]byte{0x00, 0x00})
	binary.Write(&buf, binary.LittleEndian, uint32(len(pixel)))
	buf.Write(pixel)

	path := filepath.Join(t.TempDir(), "seq.dcm")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, dicomfile.WriteFileMeta(f, ds.SOPClassUID, ds.SOPInstanceUID, "1.2.840.10008.1.2.1"))
	_, err = f.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := dicomfile.PixelDataLayout(path)
	require.NoError(t, err)
	assert.False(t, info.Encapsulated)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x7FE0), binary.LittleEndian.Uint16(raw[info.Offset:info.Offset+2]))
}

func TestPixelDataLayoutEncapsulated(t *testing.T) {
	ds := dicomtest.New("1.2.3.12")
	var buf bytes.Buffer
	buf.Write(ds.BuildDataset(t))
	// encapsulated pixel data: OB, undefined length, offset table + fragment
	binary.Write(&buf, binary.LittleEndian, uint16(0x7FE0))
	binary.Write(&buf, binary.LittleEndian, uint16(0x0010))
	buf.WriteString("OB")
	buf.Write([]byte{0x00, 0x00})
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF))
	// empty basic offset table item
	binary.Write(&buf, binary.LittleEndian, uint16(0xFFFE))
	binary.Write(&buf, binary.LittleEndian, uint16(0xE000))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	// one fragment
	frag := bytes.Repeat([]byte{0x7F}, 128)
	binary.Write(&buf, binary.LittleEndian, uint16(0xFFFE))
	binary.Write(&buf, binary.LittleEndian, uint16(0xE000))
	binary.Write(&buf, binary.LittleEndian, uint32(len(frag)))
	buf.Write(frag)
	// sequence delimitation
	binary.Write(&buf, binary.LittleEndian, uint16(0xFFFE))
	binary.Write(&buf, binary.LittleEndian, uint16(0xE0DD))
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	path := filepath.Join(t.TempDir(), "encap.dcm")
	f, err := os.Create(path)
	require.NoError(t, err)
	// JPEG baseline transfer syntax
	require.NoError(t, dicomfile.WriteFileMeta(f, ds.SOPClassUID, ds.SOPInstanceUID, "1.2.840.10008.1.2.4.50"))
	_, err = f.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := dicomfile.PixelDataLayout(path)
	require.NoError(t, err)
	assert.True(t, info.Encapsulated)
	assert.False(t, info.TrailerAfterPixel)
}
