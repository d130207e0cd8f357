/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package gateway

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/riftwire/siemcore/ingest/entry"
	"github.com/riftwire/siemcore/ingest/log"
)

const maxSyslogDatagram = 64 * 1024

// ListenUDP implements the udp_listen: each datagram is one syslog
// line (RFC3164 or RFC5424), tenant resolved from the source address
// with no per-message authentication — network ACLs are the gate.
// Blocks until ctx is cancelled or the socket errors.
func (g *Gateway) ListenUDP(ctx context.Context, port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxSyslogDatagram)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				g.lg.Warn("udp syslog read error", log.Kv("error", err))
				continue
			}
		}
		line := append([]byte(nil), buf[:n]...)
		g.ingestSyslogLine(ctx, addr.IP.String(), entry.TransportUDPSyslog, line)
	}
}

// ListenTCP implements the tcp_listen with RFC5424 octet-counted
// framing: each connection is scanned for "<len> <message>" frames.
func (g *Gateway) ListenTCP(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				g.lg.Warn("tcp syslog accept error", log.Kv("error", err))
				continue
			}
		}
		go g.handleTCPConn(ctx, conn)
	}
}

func (g *Gateway) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxSyslogDatagram)
	scanner.Split(splitOctetCounted)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		g.ingestSyslogLine(ctx, host, entry.TransportTCPSyslog, line)
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}
}

// splitOctetCounted implements bufio.SplitFunc for RFC5424's
// octet-counted TCP framing: "<msglen> <msglen bytes of message>".
func splitOctetCounted(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		if atEOF {
			return 0, nil, nil
		}
		return 0, nil, nil
	}
	sp := -1
	for i, b := range data {
		if b == ' ' {
			sp = i
			break
		}
		if b < '0' || b > '9' {
			// Not octet-counted; treat the whole buffer up to the next
			// newline as one frame (non-transparent framing fallback).
			for j, c := range data {
				if c == '\n' {
					return j + 1, data[:j], nil
				}
			}
			if atEOF {
				return len(data), data, nil
			}
			return 0, nil, nil
		}
	}
	if sp == -1 {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	msgLen, convErr := strconv.Atoi(string(data[:sp]))
	if convErr != nil {
		return 0, nil, convErr
	}
	total := sp + 1 + msgLen
	if len(data) < total {
		if atEOF {
			return len(data), data[sp+1:], nil
		}
		return 0, nil, nil
	}
	return total, data[sp+1 : total], nil
}

// ingestSyslogLine resolves a tenant for sourceAddr and, if resolved
// (or a default tenant is configured), builds and publishes an
// envelope. Unresolved lines with no default tenant are dropped at the
// gateway boundary — they never reach the broker without a tenant,
// preserving tenant isolation.
func (g *Gateway) ingestSyslogLine(ctx context.Context, sourceAddr string, transport entry.Transport, payload []byte) {
	if len(payload) == 0 {
		return
	}
	tenantID, ok := g.resolver.ResolveTenant(sourceAddr)
	if !ok {
		if g.cfg.DefaultTenant == "" {
			g.lg.Warn("syslog line from unresolved source, no default tenant", log.Kv("source", sourceAddr))
			return
		}
		tenantID = g.cfg.DefaultTenant
	}
	env, err := entry.NewRawEnvelope(tenantID, sourceAddr, transport, payload)
	if err != nil {
		g.lg.Warn("failed to build syslog envelope", log.Kv("error", err))
		return
	}
	if err := g.publishAll(ctx, []entry.RawEnvelope{env}); err != nil {
		g.lg.Error("failed to publish syslog envelope", log.Kv("tenant", tenantID), log.Kv("error", err))
	}
}
