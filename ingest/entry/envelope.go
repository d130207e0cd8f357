/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transport identifies which ingestion path produced a RawEnvelope.
type Transport uint8

const (
	TransportHTTPBatch Transport = iota
	TransportHTTPRaw
	TransportUDPSyslog
	TransportTCPSyslog
)

func (t Transport) String() string {
	switch t {
	case TransportHTTPBatch:
		return "http_batch"
	case TransportHTTPRaw:
		return "http_raw"
	case TransportUDPSyslog:
		return "udp_syslog"
	case TransportTCPSyslog:
		return "tcp_syslog"
	default:
		return "unknown"
	}
}

const maxTenantOrAddrLen = 255

var (
	ErrEnvelopeTooShort  = errors.New("envelope buffer too short")
	ErrEnvelopeBadFields = errors.New("envelope tenant_id or source_address too long to encode")
	ErrEnvelopeNoTenant  = errors.New("envelope has empty tenant_id")
)

// RawEnvelope is the durable hand-off record between the ingestion
// gateway and the parsing consumer pool, carried across the
// broker's events.raw topic. Wire format:
//
//	envelope_id(16) || tenant_id_len(1) || tenant_id || ingest_ts(8, BE ms)
//	|| source_address_len(1) || source_address || transport(1)
//	|| payload_len(4, BE) || payload
type RawEnvelope struct {
	EnvelopeID    uuid.UUID
	TenantID      string
	IngestTS      int64 // unix ms
	SourceAddress string
	Transport     Transport
	Payload       []byte
}

// NewRawEnvelope stamps a fresh envelope_id and ingest timestamp.
func NewRawEnvelope(tenantID, sourceAddress string, transport Transport, payload []byte) (RawEnvelope, error) {
	if tenantID == "" {
		return RawEnvelope{}, ErrEnvelopeNoTenant
	}
	return RawEnvelope{
		EnvelopeID:    uuid.New(),
		TenantID:      tenantID,
		IngestTS:      time.Now().UTC().UnixMilli(),
		SourceAddress: sourceAddress,
		Transport:     transport,
		Payload:       payload,
	}, nil
}

// Encode serializes the envelope to the binary wire format. The broker
// key for this record is always TenantID, preserving per-tenant
// partition ordering.
func (e RawEnvelope) Encode() ([]byte, error) {
	if e.TenantID == "" {
		return nil, ErrEnvelopeNoTenant
	}
	if len(e.TenantID) > maxTenantOrAddrLen || len(e.SourceAddress) > maxTenantOrAddrLen {
		return nil, ErrEnvelopeBadFields
	}
	size := 16 + 1 + len(e.TenantID) + 8 + 1 + len(e.SourceAddress) + 1 + 4 + len(e.Payload)
	buff := make([]byte, size)
	off := 0
	copy(buff[off:off+16], e.EnvelopeID[:])
	off += 16
	buff[off] = byte(len(e.TenantID))
	off++
	off += copy(buff[off:], e.TenantID)
	binary.BigEndian.PutUint64(buff[off:], uint64(e.IngestTS))
	off += 8
	buff[off] = byte(len(e.SourceAddress))
	off++
	off += copy(buff[off:], e.SourceAddress)
	buff[off] = byte(e.Transport)
	off++
	binary.BigEndian.PutUint32(buff[off:], uint32(len(e.Payload)))
	off += 4
	copy(buff[off:], e.Payload)
	return buff, nil
}

// DecodeRawEnvelope parses the binary wire format produced by Encode.
func DecodeRawEnvelope(buff []byte) (e RawEnvelope, err error) {
	if len(buff) < 16+1+8+1+1+4 {
		err = ErrEnvelopeTooShort
		return
	}
	off := 0
	copy(e.EnvelopeID[:], buff[off:off+16])
	off += 16

	tlen := int(buff[off])
	off++
	if len(buff) < off+tlen+8+1 {
		err = ErrEnvelopeTooShort
		return
	}
	e.TenantID = string(buff[off : off+tlen])
	off += tlen

	e.IngestTS = int64(binary.BigEndian.Uint64(buff[off:]))
	off += 8

	if len(buff) < off+1 {
		err = ErrEnvelopeTooShort
		return
	}
	alen := int(buff[off])
	off++
	if len(buff) < off+alen+1+4 {
		err = ErrEnvelopeTooShort
		return
	}
	e.SourceAddress = string(buff[off : off+alen])
	off += alen

	e.Transport = Transport(buff[off])
	off++

	plen := int(binary.BigEndian.Uint32(buff[off:]))
	off += 4
	if len(buff) < off+plen {
		err = ErrEnvelopeTooShort
		return
	}
	e.Payload = append([]byte(nil), buff[off:off+plen]...)

	if e.TenantID == "" {
		err = ErrEnvelopeNoTenant
	}
	return
}

// BrokerKey is the partitioning key used when publishing to events.raw:
// tenant_id, so that all of one tenant's envelopes land in the same
// partition and preserve FIFO order.
func (e RawEnvelope) BrokerKey() string {
	return e.TenantID
}

func (e RawEnvelope) String() string {
	return fmt.Sprintf("RawEnvelope{id=%s tenant=%s transport=%s bytes=%d}", e.EnvelopeID, e.TenantID, e.Transport, len(e.Payload))
}
