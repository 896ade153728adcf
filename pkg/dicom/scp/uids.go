// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package scp

// verificationSOPClass backs C-ECHO.
const verificationSOPClass = "1.2.840.10008.1.1"

// acceptedStorageClasses are the storage abstract syntaxes the receiver
// negotiates: the common modality image classes plus secondary capture and
// the RT family.
var acceptedStorageClasses = map[string]bool{
	"1.2.840.10008.5.1.4.1.1.1":       true, // CR Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1":     true, // Digital X-Ray (presentation)
	"1.2.840.10008.5.1.4.1.1.1.1.1":   true, // Digital X-Ray (processing)
	"1.2.840.10008.5.1.4.1.1.1.2":     true, // Digital Mammography (presentation)
	"1.2.840.10008.5.1.4.1.1.1.2.1":   true, // Digital Mammography (processing)
	"1.2.840.10008.5.1.4.1.1.2":       true, // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.1":     true, // Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.4":       true, // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.1":     true, // Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1":     true, // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.3.1":     true, // Ultrasound Multi-frame
	"1.2.840.10008.5.1.4.1.1.7":       true, // Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.1":     true, // Multi-frame Single Bit SC
	"1.2.840.10008.5.1.4.1.1.7.2":     true, // Multi-frame Grayscale Byte SC
	"1.2.840.10008.5.1.4.1.1.7.3":     true, // Multi-frame Grayscale Word SC
	"1.2.840.10008.5.1.4.1.1.7.4":     true, // Multi-frame True Color SC
	"1.2.840.10008.5.1.4.1.1.20":      true, // NM Image Storage
	"1.2.840.10008.5.1.4.1.1.128":     true, // PET Image Storage
	"1.2.840.10008.5.1.4.1.1.130":     true, // Enhanced PET Image Storage
	"1.2.840.10008.5.1.4.1.1.481.1":   true, // RT Image Storage
	"1.2.840.10008.5.1.4.1.1.481.2":   true, // RT Dose Storage
	"1.2.840.10008.5.1.4.1.1.481.3":   true, // RT Structure Set Storage
	"1.2.840.10008.5.1.4.1.1.481.5":   true, // RT Plan Storage
	"1.2.840.10008.5.1.4.1.1.66":      true, // Raw Data Storage
	"1.2.840.10008.5.1.4.1.1.88.11":   true, // Basic Text SR
	"1.2.840.10008.5.1.4.1.1.88.22":   true, // Enhanced SR
	"1.2.840.10008.5.1.4.1.1.88.33":   true, // Comprehensive SR
	"1.2.840.10008.5.1.4.1.1.104.1":   true, // Encapsulated PDF
	"1.2.840.10008.5.1.4.1.1.12.1":    true, // X-Ray Angiographic
	"1.2.840.10008.5.1.4.1.1.12.2":    true, // X-Ray RF
	"1.2.840.10008.5.1.4.1.1.77.1.5.1": true, // Ophthalmic Photography 8 Bit
}

// acceptedTransferSyntaxes covers the uncompressed encodings plus the
// standard JPEG, JPEG-LS and JPEG 2000 families. The receiver never decodes
// pixel data, so compressed instances pass through byte-exact.
var acceptedTransferSyntaxes = map[string]bool{
	"1.2.840.10008.1.2":        true, // implicit VR little endian
	"1.2.840.10008.1.2.1":      true, // explicit VR little endian
	"1.2.840.10008.1.2.2":      true, // explicit VR big endian
	"1.2.840.10008.1.2.4.50":   true, // JPEG baseline
	"1.2.840.10008.1.2.4.51":   true, // JPEG extended
	"1.2.840.10008.1.2.4.57":   true, // JPEG lossless
	"1.2.840.10008.1.2.4.70":   true, // JPEG lossless SV1
	"1.2.840.10008.1.2.4.80":   true, // JPEG-LS lossless
	"1.2.840.10008.1.2.4.81":   true, // JPEG-LS near-lossless
	"1.2.840.10008.1.2.4.90":   true, // JPEG 2000 lossless
	"1.2.840.10008.1.2.4.91":   true, // JPEG 2000
	"1.2.840.10008.1.2.5":      true, // RLE lossless
}
