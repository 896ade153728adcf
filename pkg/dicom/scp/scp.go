// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package scp implements the provider half of the DIMSE upper layer for
// C-STORE and C-ECHO. Data PDVs are handed to the instance sink as they
// arrive instead of being assembled in memory, so an association can carry
// instances far larger than the process heap. The success response goes out
// only after the sink commits, which includes fsync.
package scp

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/giesekow/go-netdicom/commandset"
	"github.com/giesekow/go-netdicom/dimse"
	"github.com/giesekow/go-netdicom/pdu"
	"github.com/giesekow/go-netdicom/pdu/pdu_item"
	log "github.com/sirupsen/logrus"
)

// The dimse package requires the DICOM command-set tags to be registered
// before messages can be encoded or decoded.
func init() {
	commandset.Init()
}

const (
	maxPDUSize = 4 * 1024 * 1024

	applicationContextName = "1.2.840.10008.3.1.1.1"

	// Presentation context negotiation results.
	resultAccepted                    = 0
	resultAbstractSyntaxNotSupported  = 3
	resultTransferSyntaxesNotSupported = 4

	// A-ASSOCIATE-RJ reason: called AE title not recognized.
	reasonCalledAENotRecognized = 7
)

// statusOutOfResources refuses a C-STORE the provider cannot spool.
const statusOutOfResources = dimse.StatusCode(0xA700)

// InstanceMeta describes an inbound instance before its dataset arrives.
type InstanceMeta struct {
	CallingAE         string
	CalledAE          string
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
}

// InstanceWriter spools one inbound instance.
type InstanceWriter interface {
	io.Writer
	// Commit makes the instance durable. The C-STORE success response is
	// sent only after Commit returns.
	Commit() error
	// Discard drops a partial instance after an error or abort.
	Discard() error
}

// InstanceSink creates writers for inbound instances.
type InstanceSink interface {
	Create(meta InstanceMeta) (InstanceWriter, error)
}

// Options configure one provider-side association.
type Options struct {
	// AETitle is the called AE title this provider answers to. Association
	// requests for any other title are rejected.
	AETitle string
	// Timeout bounds each network read and write.
	Timeout time.Duration
}

type acceptedAssocContext struct {
	abstractSyntax string
	transferSyntax string
}

// Association serves one accepted TCP connection in the provider role.
type Association struct {
	conn    net.Conn
	opts    Options
	sink    InstanceSink
	remote  string // calling AE, known after the handshake
	peerMax int

	contexts  map[byte]acceptedAssocContext
	assembler dimse.CommandAssembler

	store *inboundStore
}

// inboundStore is the state of the C-STORE currently streaming in.
type inboundStore struct {
	contextID byte
	rq        *dimse.CStoreRq
	writer    InstanceWriter
	// drop set means spooling failed; remaining data PDVs are consumed
	// and discarded, then the failure status is sent.
	drop       bool
	dropStatus dimse.StatusCode
}

// RefuseTransient answers the pending association request with a transient
// rejection and closes the connection. Used when the accept queue is full.
func RefuseTransient(conn net.Conn, timeout time.Duration) {
	defer conn.Close()
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	if _, err := pdu.ReadPDU(conn, maxPDUSize); err != nil {
		return
	}
	data, err := pdu.EncodePDU(&pdu.AAssociateRj{
		Result: pdu.ResultRejectedTransient,
		Source: pdu.SourceULServiceProviderACSE,
		Reason: 1, // no reason given
	})
	if err != nil {
		return
	}
	conn.Write(data)
}

// NewAssociation wraps an accepted connection.
func NewAssociation(conn net.Conn, opts Options, sink InstanceSink) *Association {
	return &Association{
		conn:     conn,
		opts:     opts,
		sink:     sink,
		peerMax:  16 * 1024,
		contexts: make(map[byte]acceptedAssocContext),
	}
}

// Serve runs the association to completion: handshake, DIMSE exchanges,
// release. It always closes the connection.
func (a *Association) Serve() error {
	defer a.conn.Close()
	defer a.discardInbound()

	if err := a.handshake(); err != nil {
		return err
	}
	for {
		p, err := a.readPDU()
		if err != nil {
			return fmt.Errorf("association with %s: %w", a.remote, err)
		}
		switch v := p.(type) {
		case *pdu.PDataTf:
			if err := a.onData(v); err != nil {
				return err
			}
		case *pdu.AReleaseRq:
			a.writePDU(&pdu.AReleaseRp{})
			return nil
		case *pdu.AAbort:
			log.WithField("calling_ae", a.remote).Debug("association aborted by peer")
			return nil
		default:
			a.writePDU(&pdu.AAbort{Source: 0, Reason: 0})
			return fmt.Errorf("unexpected PDU %T from %s", p, a.remote)
		}
	}
}

func (a *Association) handshake() error {
	p, err := a.readPDU()
	if err != nil {
		return err
	}
	rq, ok := p.(*pdu.AAssociateRQ)
	if !ok {
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got %T", p)
	}
	// AE titles arrive space-padded to 16 bytes on the wire.
	calledAE := strings.TrimRight(rq.CalledAETitle, " ")
	if calledAE != a.opts.AETitle {
		a.writePDU(&pdu.AAssociateRj{
			Result: pdu.ResultRejectedPermanent,
			Source: pdu.SourceULServiceProviderACSE,
			Reason: reasonCalledAENotRecognized,
		})
		return fmt.Errorf("association for unknown AE title %q refused", calledAE)
	}
	a.remote = strings.TrimRight(rq.CallingAETitle, " ")

	items := []pdu_item.SubItem{
		&pdu_item.ApplicationContextItem{Name: applicationContextName},
	}
	accepted := 0
	for _, item := range rq.Items {
		pc, ok := item.(*pdu_item.PresentationContextItem)
		if !ok {
			continue
		}
		response := a.negotiateContext(pc)
		if response.Result == resultAccepted {
			accepted++
		}
		items = append(items, response)
	}
	items = append(items, &pdu_item.UserInformationItem{
		Items: []pdu_item.SubItem{&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: maxPDUSize}},
	})

	for _, item := range rq.Items {
		if ui, ok := item.(*pdu_item.UserInformationItem); ok {
			for _, sub := range ui.Items {
				if ml, ok := sub.(*pdu_item.UserInformationMaximumLengthItem); ok && ml.MaximumLengthReceived > 0 {
					a.peerMax = int(ml.MaximumLengthReceived)
				}
			}
		}
	}

	err = a.writePDU(&pdu.AAssociateAC{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   rq.CalledAETitle,
		CallingAETitle:  rq.CallingAETitle,
		Items:           items,
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"calling_ae": a.remote,
		"contexts":   accepted,
	}).Debug("association accepted")
	return nil
}

// negotiateContext answers one proposed presentation context. The first
// supported transfer syntax wins.
func (a *Association) negotiateContext(pc *pdu_item.PresentationContextItem) *pdu_item.PresentationContextItem {
	var abstract string
	var chosen string
	for _, sub := range pc.Items {
		switch v := sub.(type) {
		case *pdu_item.AbstractSyntaxSubItem:
			abstract = v.Name
		case *pdu_item.TransferSyntaxSubItem:
			if chosen == "" && acceptedTransferSyntaxes[v.Name] {
				chosen = v.Name
			}
		}
	}

	result := byte(resultAccepted)
	switch {
	case abstract != verificationSOPClass && !acceptedStorageClasses[abstract]:
		result = resultAbstractSyntaxNotSupported
	case chosen == "":
		result = resultTransferSyntaxesNotSupported
	default:
		a.contexts[pc.ContextID] = acceptedAssocContext{abstractSyntax: abstract, transferSyntax: chosen}
	}
	if chosen == "" {
		// The response must still name a transfer syntax item.
		chosen = "1.2.840.10008.1.2.1"
	}
	return &pdu_item.PresentationContextItem{
		Type:      pdu_item.ItemTypePresentationContextResponse,
		ContextID: pc.ContextID,
		Result:    pdu_item.PresentationContextResult(result),
		Items:     []pdu_item.SubItem{&pdu_item.TransferSyntaxSubItem{Name: chosen}},
	}
}

func (a *Association) onData(p *pdu.PDataTf) error {
	for _, item := range p.Items {
		if item.Command {
			single := &pdu.PDataTf{Items: []pdu.PresentationDataValueItem{item}}
			contextID, cmd, _, err := a.assembler.AddDataPDU(single)
			if err != nil {
				a.writePDU(&pdu.AAbort{Source: 0, Reason: 0})
				return fmt.Errorf("assemble DIMSE command from %s: %w", a.remote, err)
			}
			if cmd == nil {
				continue
			}
			if err := a.onCommand(contextID, cmd); err != nil {
				return err
			}
			continue
		}
		if err := a.onDataPDV(item); err != nil {
			return err
		}
	}
	return nil
}

func (a *Association) onCommand(contextID byte, cmd dimse.Message) error {
	switch rq := cmd.(type) {
	case *dimse.CEchoRq:
		return a.sendCommand(contextID, &dimse.CEchoRsp{
			MessageIDBeingRespondedTo: rq.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    dimse.Status{Status: dimse.StatusSuccess},
		})
	case *dimse.CStoreRq:
		return a.beginStore(contextID, rq)
	default:
		a.writePDU(&pdu.AAbort{Source: 0, Reason: 0})
		return fmt.Errorf("unsupported DIMSE command %T from %s", cmd, a.remote)
	}
}

func (a *Association) beginStore(contextID byte, rq *dimse.CStoreRq) error {
	if a.store != nil {
		a.writePDU(&pdu.AAbort{Source: 0, Reason: 0})
		return fmt.Errorf("overlapping C-STORE from %s", a.remote)
	}
	ctx, ok := a.contexts[contextID]
	if !ok {
		a.writePDU(&pdu.AAbort{Source: 0, Reason: 0})
		return fmt.Errorf("C-STORE on unnegotiated context %d from %s", contextID, a.remote)
	}

	st := &inboundStore{contextID: contextID, rq: rq}
	writer, err := a.sink.Create(InstanceMeta{
		CallingAE:         a.remote,
		CalledAE:          a.opts.AETitle,
		SOPClassUID:       rq.AffectedSOPClassUID,
		SOPInstanceUID:    rq.AffectedSOPInstanceUID,
		TransferSyntaxUID: ctx.transferSyntax,
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"calling_ae": a.remote,
			"sop":        rq.AffectedSOPInstanceUID,
		}).Error("cannot spool inbound instance")
		st.drop = true
		st.dropStatus = statusOutOfResources
	} else {
		st.writer = writer
	}
	a.store = st
	return nil
}

func (a *Association) onDataPDV(item pdu.PresentationDataValueItem) error {
	st := a.store
	if st == nil {
		a.writePDU(&pdu.AAbort{Source: 0, Reason: 0})
		return fmt.Errorf("data PDV without C-STORE command from %s", a.remote)
	}
	if !st.drop {
		if _, err := st.writer.Write(item.Value); err != nil {
			log.WithError(err).WithField("sop", st.rq.AffectedSOPInstanceUID).Error("spool write failed")
			st.writer.Discard()
			st.writer = nil
			st.drop = true
			st.dropStatus = statusOutOfResources
		}
	}
	if !item.Last {
		return nil
	}

	a.store = nil
	status := dimse.Status{Status: dimse.StatusSuccess}
	if st.drop {
		status = dimse.Status{Status: st.dropStatus, ErrorComment: "out of resources"}
	} else if err := st.writer.Commit(); err != nil {
		log.WithError(err).WithField("sop", st.rq.AffectedSOPInstanceUID).Error("spool commit failed")
		status = dimse.Status{Status: statusOutOfResources, ErrorComment: "out of resources"}
	}
	return a.sendCommand(st.contextID, &dimse.CStoreRsp{
		AffectedSOPClassUID:       st.rq.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: st.rq.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    st.rq.AffectedSOPInstanceUID,
		Status:                    status,
	})
}

func (a *Association) discardInbound() {
	if a.store != nil && a.store.writer != nil {
		a.store.writer.Discard()
		a.store = nil
	}
}

func (a *Association) sendCommand(contextID byte, cmd dimse.Message) error {
	var buf bytes.Buffer
	if err := dimse.EncodeMessage(&buf, cmd); err != nil {
		return fmt.Errorf("encode DIMSE response: %w", err)
	}
	data := buf.Bytes()
	chunk := a.peerMax - 8
	if chunk <= 0 {
		chunk = 4096
	}
	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		item := pdu.PresentationDataValueItem{
			ContextID: contextID,
			Command:   true,
			Last:      n == len(data),
			Value:     data[:n],
		}
		data = data[n:]
		if err := a.writePDU(&pdu.PDataTf{Items: []pdu.PresentationDataValueItem{item}}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Association) writePDU(v pdu.PDU) error {
	if a.opts.Timeout > 0 {
		a.conn.SetWriteDeadline(time.Now().Add(a.opts.Timeout))
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
	if a.opts.Timeout > 0 {
		a.conn.SetReadDeadline(time.Now().Add(a.opts.Timeout))
	}
	v, err := pdu.ReadPDU(a.conn, maxPDUSize)
	if err != nil {
		return nil, fmt.Errorf("read PDU: %w", err)
	}
	return v, nil
}
