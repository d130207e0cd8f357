/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package gateway implements the multi-tenant ingestion gateway:
// authenticated HTTP and unauthenticated-but-ACL'd UDP/TCP syslog
// intake, per-tenant rate limiting, and synchronous hand-off of
// RawEnvelopes to the broker's events.raw topic.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role mirrors the coarse role claim carried on the bearer token;
// requires 403 for a role that is not permitted to ingest.
type Role string

const (
	RoleIngest Role = "ingest"
	RoleAdmin  Role = "admin"
	RoleReader Role = "reader"
)

var (
	ErrAuthInvalid = errors.New("gateway: invalid or missing bearer token")
	ErrRoleDenied  = errors.New("gateway: role not permitted to ingest")
)

// Principal is the authenticated caller, decoded from the JWT claims.
type Principal struct {
	TenantID string
	Role     Role
}

// Claims is the expected JWT claim shape: tenant_id and role alongside
// the registered claims jwt/v5 already validates (exp, iat, ...).
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens against a shared HMAC secret.
// Token *issuance* is an external collaborator; this package only
// verifies.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// Authenticate extracts and verifies the bearer token from an HTTP
// request, returning the authenticated Principal or ErrAuthInvalid.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	hdr := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(hdr, prefix) {
		return Principal{}, ErrAuthInvalid
	}
	raw := strings.TrimPrefix(hdr, prefix)

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !tok.Valid {
		return Principal{}, ErrAuthInvalid
	}
	if claims.TenantID == "" {
		return Principal{}, ErrAuthInvalid
	}
	return Principal{TenantID: claims.TenantID, Role: Role(claims.Role)}, nil
}

// RequireRole returns ErrRoleDenied unless p's role is one of allowed.
func RequireRole(p Principal, allowed ...Role) error {
	for _, r := range allowed {
		if p.Role == r {
			return nil
		}
	}
	return ErrRoleDenied
}

// AgentAuth verifies the X-Agent-Key/X-Asset-ID header pair used by
// /ingest/raw and the agent-facing endpoints, where the caller is a
// collection agent rather than a bearer-token-carrying user.
type AgentAuth struct {
	// Keys maps an asset_id to its provisioned agent key. Provisioning
	// (CRUD on this map) is an external collaborator.
	Keys map[string]string
}

func (a *AgentAuth) Authenticate(r *http.Request) (assetID string, err error) {
	assetID = r.Header.Get("X-Asset-ID")
	key := r.Header.Get("X-Agent-Key")
	if assetID == "" || key == "" {
		return "", ErrAuthInvalid
	}
	want, ok := a.Keys[assetID]
	if !ok || want != key {
		return "", ErrAuthInvalid
	}
	return assetID, nil
}
