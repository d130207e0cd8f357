/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package entry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawEnvelopeEncodeDecodeRoundtrip(t *testing.T) {
	e, err := NewRawEnvelope("tenant-a", "10.10.10.10", TransportUDPSyslog, []byte("<134>Oct 11 22:14:15 host su: login failed"))
	require.NoError(t, err)

	buff, err := e.Encode()
	require.NoError(t, err)

	got, err := DecodeRawEnvelope(buff)
	require.NoError(t, err)

	require.Equal(t, e.EnvelopeID, got.EnvelopeID)
	require.Equal(t, e.TenantID, got.TenantID)
	require.Equal(t, e.IngestTS, got.IngestTS)
	require.Equal(t, e.SourceAddress, got.SourceAddress)
	require.Equal(t, e.Transport, got.Transport)
	require.Equal(t, e.Payload, got.Payload)
}

func TestRawEnvelopeRejectsEmptyTenant(t *testing.T) {
	_, err := NewRawEnvelope("", "1.2.3.4", TransportHTTPBatch, []byte("x"))
	require.ErrorIs(t, err, ErrEnvelopeNoTenant)
}

func TestDecodeRawEnvelopeShortBuffer(t *testing.T) {
	_, err := DecodeRawEnvelope([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrEnvelopeTooShort)
}

func TestRawEnvelopeBrokerKeyIsTenant(t *testing.T) {
	e, err := NewRawEnvelope("tenant-b", "", TransportHTTPRaw, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "tenant-b", e.BrokerKey())
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	e := RawEnvelope{TenantID: string(make([]byte, 300))}
	_, err := e.Encode()
	require.ErrorIs(t, err, ErrEnvelopeBadFields)
}
