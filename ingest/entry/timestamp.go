/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package entry defines the wire types that flow between the ingestion
// gateway, the broker, and the columnar store: RawEnvelope and
// CanonicalEvent.
package entry

import (
	"encoding/binary"
	"errors"
	"time"
)

const tsSize = 12

var ErrTimestampBufferShort = errors.New("buffer too small for timestamp")

// Timestamp is a UTC second+nanosecond pair, matching the resolution
// CanonicalEvent stores event_ts/ingest_ts at (unix seconds).
type Timestamp struct {
	Sec  int64
	Nsec int64
}

// Now returns the current UTC time as a Timestamp.
func Now() Timestamp {
	return FromStandard(time.Now())
}

// FromStandard converts a time.Time into a Timestamp, normalizing to UTC.
func FromStandard(ts time.Time) Timestamp {
	ts = ts.UTC()
	return Timestamp{Sec: ts.Unix(), Nsec: int64(ts.Nanosecond())}
}

// FromUnixSeconds builds a Timestamp from a bare unix-second count.
func FromUnixSeconds(s int64) Timestamp {
	return Timestamp{Sec: s}
}

// StandardTime converts back to the stdlib representation.
func (t Timestamp) StandardTime() time.Time {
	return time.Unix(t.Sec, t.Nsec).UTC()
}

func (t Timestamp) String() string {
	return t.StandardTime().Format(`2006-01-02 15:04:05.999999999 -0700 MST`)
}

func (t Timestamp) Before(tt Timestamp) bool {
	return t.Sec < tt.Sec || (t.Sec == tt.Sec && t.Nsec < tt.Nsec)
}

func (t Timestamp) After(tt Timestamp) bool {
	return t.Sec > tt.Sec || (t.Sec == tt.Sec && t.Nsec > tt.Nsec)
}

func (t Timestamp) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

// Sub returns t-tt as a time.Duration, matching time.Time semantics.
func (t Timestamp) Sub(tt Timestamp) time.Duration {
	return time.Duration(t.Sec-tt.Sec)*time.Second + time.Duration(t.Nsec-tt.Nsec)
}

// Encode writes the timestamp into buff, which must be at least tsSize
// bytes. It does not bounds-check; callers must size their buffers.
func (t Timestamp) Encode(buff []byte) {
	binary.LittleEndian.PutUint64(buff, uint64(t.Sec))
	binary.LittleEndian.PutUint32(buff[8:], uint32(t.Nsec))
}

// Decode reads a timestamp previously written by Encode.
func (t *Timestamp) Decode(buff []byte) error {
	if len(buff) < tsSize {
		return ErrTimestampBufferShort
	}
	t.Sec = int64(binary.LittleEndian.Uint64(buff))
	t.Nsec = int64(binary.LittleEndian.Uint32(buff[8:]))
	return nil
}
