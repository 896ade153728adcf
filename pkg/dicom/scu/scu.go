// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package scu implements the client half of the DIMSE upper layer: it
// requests an association, issues C-ECHO and C-STORE, and releases. Instance
// datasets go on the wire straight from disk in PDU-sized chunks, so sending
// a multi-gigabyte instance costs a fixed buffer, not the file size.
package scu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/giesekow/go-netdicom/commandset"
	"github.com/giesekow/go-netdicom/dimse"
	"github.com/giesekow/go-netdicom/pdu"
	"github.com/giesekow/go-netdicom/pdu/pdu_item"

	"github.com/dicomroute/dicomroute/pkg/dicomfile"
)

// The dimse package requires the DICOM command-set tags to be registered
// before messages can be encoded or decoded.
func init() {
	commandset.Init()
}

const (
	maxPDUSize = 4 * 1024 * 1024

	applicationContextName = "1.2.840.10008.3.1.1.1"
)

// VerificationSOPClass is the abstract syntax behind C-ECHO.
const VerificationSOPClass = "1.2.840.10008.1.1"

// ErrAssociationRejected is wrapped into errors returned when the peer
// refuses the association outright.
var ErrAssociationRejected = errors.New("association rejected")

// ProposedContext is one presentation context offered to the peer.
type ProposedContext struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Config identifies both ends of the association.
type Config struct {
	CalledAETitle  string
	CallingAETitle string
	// Timeout bounds each network read and write. Zero means no deadline.
	Timeout time.Duration
}

type acceptedContext struct {
	id             byte
	transferSyntax string
}

// Association is one open association in the requestor role.
type Association struct {
	conn    net.Conn
	timeout time.Duration

	// accepted maps abstract syntax UID to its negotiated context.
	accepted      map[string]acceptedContext
	peerMaxPDU    int
	nextMessageID dimse.MessageID
	assembler     dimse.CommandAssembler
}

// Connect dials the peer and negotiates an association over the proposed
// contexts. At least one context must be accepted or the association is
// released and an error returned.
func Connect(ctx context.Context, addr string, cfg Config, contexts []ProposedContext) (*Association, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	a := &Association{
		conn:          conn,
		timeout:       cfg.Timeout,
		accepted:      make(map[string]acceptedContext),
		peerMaxPDU:    16 * 1024,
		nextMessageID: 1,
	}
	if err := a.negotiate(cfg, contexts); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *Association) negotiate(cfg Config, contexts []ProposedContext) error {
	items := []pdu_item.SubItem{
		&pdu_item.ApplicationContextItem{Name: applicationContextName},
	}
	// Requestor presentation context IDs are odd.
	proposedByID := make(map[byte]string, len(contexts))
	id := byte(1)
	for _, pc := range contexts {
		sub := []pdu_item.SubItem{&pdu_item.AbstractSyntaxSubItem{Name: pc.AbstractSyntax}}
		for _, ts := range pc.TransferSyntaxes {
			sub = append(sub, &pdu_item.TransferSyntaxSubItem{Name: ts})
		}
		items = append(items, &pdu_item.PresentationContextItem{
			Type:      pdu_item.ItemTypePresentationContextRequest,
			ContextID: id,
			Items:     sub,
		})
		proposedByID[id] = pc.AbstractSyntax
		id += 2
	}
	items = append(items, &pdu_item.UserInformationItem{
		Items: []pdu_item.SubItem{&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: maxPDUSize}},
	})

	err := a.writePDU(&pdu.AAssociateRQ{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   cfg.CalledAETitle,
		CallingAETitle:  cfg.CallingAETitle,
		Items:           items,
	})
	if err != nil {
		return err
	}

	resp, err := a.readPDU()
	if err != nil {
		return err
	}
	switch v := resp.(type) {
	case *pdu.AAssociateAC:
		return a.onAccept(v, proposedByID)
	case *pdu.AAssociateRj:
		return fmt.Errorf("%w: result %d source %d reason %d", ErrAssociationRejected, v.Result, v.Source, v.Reason)
	case *pdu.AAbort:
		return fmt.Errorf("%w: peer aborted", ErrAssociationRejected)
	default:
		return fmt.Errorf("unexpected PDU %T during association setup", resp)
	}
}

func (a *Association) onAccept(ac *pdu.AAssociateAC, proposedByID map[byte]string) error {
	for _, item := range ac.Items {
		switch v := item.(type) {
		case *pdu_item.PresentationContextItem:
			if v.Result != 0 {
				continue
			}
			abstract, ok := proposedByID[v.ContextID]
			if !ok {
				continue
			}
			for _, sub := range v.Items {
				if ts, ok := sub.(*pdu_item.TransferSyntaxSubItem); ok {
					a.accepted[abstract] = acceptedContext{id: v.ContextID, transferSyntax: ts.Name}
					break
				}
			}
		case *pdu_item.UserInformationItem:
			for _, sub := range v.Items {
				if ml, ok := sub.(*pdu_item.UserInformationMaximumLengthItem); ok && ml.MaximumLengthReceived > 0 {
					a.peerMaxPDU = int(ml.MaximumLengthReceived)
				}
			}
		}
	}
	if len(a.accepted) == 0 {
		a.Release()
		return fmt.Errorf("%w: no presentation context accepted", ErrAssociationRejected)
	}
	return nil
}

// CEcho round-trips a verification request.
func (a *Association) CEcho() error {
	ctx, ok := a.accepted[VerificationSOPClass]
	if !ok {
		return fmt.Errorf("verification context not negotiated")
	}
	id := a.takeMessageID()
	err := a.sendCommand(ctx.id, &dimse.CEchoRq{
		MessageID:          id,
		CommandDataSetType: dimse.CommandDataSetTypeNull,
	})
	if err != nil {
		return err
	}
	cmd, _, err := a.readResponse()
	if err != nil {
		return err
	}
	rsp, ok := cmd.(*dimse.CEchoRsp)
	if !ok {
		return fmt.Errorf("unexpected DIMSE response %T to C-ECHO", cmd)
	}
	if rsp.Status.Status != dimse.StatusSuccess {
		return fmt.Errorf("C-ECHO failed with status 0x%04x", uint16(rsp.Status.Status))
	}
	return nil
}

// CStoreFile sends the part-10 instance at path. The negotiated transfer
// syntax for the instance's SOP class must match the file encoding; datasets
// are never transcoded.
func (a *Association) CStoreFile(path string) error {
	attrs, err := dicomfile.ReadAttributes(path)
	if err != nil {
		return err
	}
	offset, fileTS, err := dicomfile.DatasetLayout(path)
	if err != nil {
		return err
	}
	ctx, ok := a.accepted[attrs.SOPClassUID]
	if !ok {
		return fmt.Errorf("SOP class %s not negotiated", attrs.SOPClassUID)
	}
	if ctx.transferSyntax != fileTS {
		return fmt.Errorf("peer accepted transfer syntax %s but file is %s", ctx.transferSyntax, fileTS)
	}

	id := a.takeMessageID()
	err = a.sendCommand(ctx.id, &dimse.CStoreRq{
		AffectedSOPClassUID:    attrs.SOPClassUID,
		MessageID:              id,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: attrs.SOPInstanceUID,
	})
	if err != nil {
		return err
	}
	if err := a.sendDataFromFile(ctx.id, path, offset); err != nil {
		return err
	}

	cmd, _, err := a.readResponse()
	if err != nil {
		return err
	}
	rsp, ok := cmd.(*dimse.CStoreRsp)
	if !ok {
		return fmt.Errorf("unexpected DIMSE response %T to C-STORE", cmd)
	}
	if rsp.Status.Status != dimse.StatusSuccess {
		return fmt.Errorf("C-STORE of %s failed with status 0x%04x %s",
			attrs.SOPInstanceUID, uint16(rsp.Status.Status), rsp.Status.ErrorComment)
	}
	return nil
}

// Release performs the orderly release handshake and closes the connection.
func (a *Association) Release() error {
	defer a.conn.Close()
	if err := a.writePDU(&pdu.AReleaseRq{}); err != nil {
		return err
	}
	for {
		resp, err := a.readPDU()
		if err != nil {
			return err
		}
		switch resp.(type) {
		case *pdu.AReleaseRp:
			return nil
		case *pdu.PDataTf:
			// Straggling data from the peer; drop it.
		default:
			return fmt.Errorf("unexpected PDU %T during release", resp)
		}
	}
}

// Abort drops the association without the release handshake.
func (a *Association) Abort() {
	a.writePDU(&pdu.AAbort{Source: 0, Reason: 0})
	a.conn.Close()
}

func (a *Association) takeMessageID() dimse.MessageID {
	id := a.nextMessageID
	a.nextMessageID++
	return id
}

func (a *Association) sendCommand(contextID byte, cmd dimse.Message) error {
	var buf bytes.Buffer
	if err := dimse.EncodeMessage(&buf, cmd); err != nil {
		return fmt.Errorf("encode DIMSE command: %w", err)
	}
	return a.sendPDVs(contextID, true, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}

// sendDataFromFile streams the dataset bytes at offset as data PDVs.
func (a *Association) sendDataFromFile(contextID byte, path string, offset int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return a.sendPDVs(contextID, false, f, fi.Size()-offset)
}

// sendPDVs chunks total bytes from r into P-DATA-TF PDUs. The PDV header
// costs 6 bytes inside the PDU envelope; 8 keeps a safety margin the same
// way the upper-layer reference implementation does.
func (a *Association) sendPDVs(contextID byte, command bool, r io.Reader, total int64) error {
	chunkSize := a.peerMaxPDU - 8
	if chunkSize <= 0 {
		return fmt.Errorf("peer max PDU size %d too small", a.peerMaxPDU)
	}
	buf := make([]byte, chunkSize)
	var sent int64
	for sent < total {
		n, err := io.ReadFull(r, buf[:min64(int64(chunkSize), total-sent)])
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		sent += int64(n)
		item := pdu.PresentationDataValueItem{
			ContextID: contextID,
			Command:   command,
			Last:      sent == total,
			Value:     append([]byte(nil), buf[:n]...),
		}
		if err := a.writePDU(&pdu.PDataTf{Items: []pdu.PresentationDataValueItem{item}}); err != nil {
			return err
		}
	}
	return nil
}

// readResponse consumes PDUs until a complete DIMSE message assembles.
func (a *Association) readResponse() (dimse.Message, []byte, error) {
	for {
		p, err := a.readPDU()
		if err != nil {
			return nil, nil, err
		}
		switch v := p.(type) {
		case *pdu.PDataTf:
			_, cmd, data, err := a.assembler.AddDataPDU(v)
			if err != nil {
				return nil, nil, fmt.Errorf("assemble DIMSE response: %w", err)
			}
			if cmd != nil {
				return cmd, data, nil
			}
		case *pdu.AAbort:
			a.conn.Close()
			return nil, nil, fmt.Errorf("peer aborted association (source %d reason %d)", v.Source, v.Reason)
		case *pdu.AReleaseRq:
			a.writePDU(&pdu.AReleaseRp{})
			a.conn.Close()
			return nil, nil, fmt.Errorf("peer released association mid-operation")
		default:
			return nil, nil, fmt.Errorf("unexpected PDU %T", p)
		}
	}
}

func (a *Association) writePDU(v pdu.PDU) error {
	if a.timeout > 0 {
		a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	}
	data, err := pdu.EncodePDU(v)
	if err != nil {
		return fmt.Errorf("encode PDU: %w", err)
	}
	if _, err := a.conn.Write(data); err != nil {
		return fmt.Errorf("write PDU: %w", err)
	}
	return nil
}

func (a *Association) readPDU() (pdu.PDU, error) {
	if a.timeout > 0 {
		a.conn.SetReadDeadline(time.Now().Add(a.timeout))
	}
	v, err := pdu.ReadPDU(a.conn, maxPDUSize)
	if err != nil {
		return nil, fmt.Errorf("read PDU: %w", err)
	}
	return v, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
