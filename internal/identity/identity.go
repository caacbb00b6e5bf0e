// Package identity decodes the tenant gateway's identity header into a typed
// principal.
//
// The gateway terminates user authentication and forwards the result in a
// single header: base64-encoded JSON describing either a console user or a
// managed system. The appservice trusts this header completely; it is not an
// authorization engine. Route handlers declare the scopes they need and the
// middleware in this package enforces them.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Header is the identity header the gateway injects on every request.
const Header = "x-rh-identity"

// Scope is a capability attached to a principal.
type Scope string

const (
	// ScopeAuthenticated is carried by every valid principal.
	ScopeAuthenticated Scope = "authenticated"

	// ScopeUser is carried by console users (identity.type == "User").
	ScopeUser Scope = "user"

	// ScopeSystem is carried by managed hosts (identity.type == "System").
	ScopeSystem Scope = "system"
)

// Principal types.
const (
	TypeUser   = "User"
	TypeSystem = "System"
)

// Principal is the authenticated caller extracted from the identity header.
// The zero value is the unauthenticated principal with an empty scope set.
type Principal struct {
	// Type is "User", "System", or empty for unauthenticated requests.
	Type string

	// UserID is the gateway's numeric user id (User principals).
	UserID string

	// CN is the system certificate common name, a UUID (System principals).
	CN string

	// OrgID is the tenant organization, present on every principal type.
	OrgID string

	// Extras carries fields the appservice does not interpret but keeps for
	// telemetry: account number, auth type.
	Extras map[string]string

	scopes map[Scope]bool
}

// Authenticated reports whether the principal came from a valid header.
func (p *Principal) Authenticated() bool {
	return p != nil && p.Type != ""
}

// HasScope reports whether the principal carries the given scope.
func (p *Principal) HasScope(s Scope) bool {
	return p != nil && p.scopes[s]
}

// Scopes returns the principal's scope set.
func (p *Principal) Scopes() []Scope {
	scopes := make([]Scope, 0, len(p.scopes))
	for s := range p.scopes {
		scopes = append(scopes, s)
	}
	return scopes
}

// Unauthenticated returns the principal used when no identity header is
// present: no type, no scopes.
func Unauthenticated() *Principal {
	return &Principal{}
}

// document mirrors the identity header's JSON layout. Only the fields the
// appservice validates are declared; everything else is ignored.
type document struct {
	Identity struct {
		Type          string `json:"type"`
		OrgID         string `json:"org_id"`
		AccountNumber string `json:"account_number"`
		AuthType      string `json:"auth_type"`
		User          struct {
			UserID string `json:"user_id"`
		} `json:"user"`
		System struct {
			CN string `json:"cn"`
		} `json:"system"`
	} `json:"identity"`
}

// Decode parses a raw header value into a Principal. It fails on malformed
// base64 or JSON, an unknown identity type, or missing required fields; the
// caller maps the failure to HTTP 401.
func Decode(headerValue string) (*Principal, error) {
	raw, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return nil, fmt.Errorf("identity header is not valid base64: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("identity header is not valid JSON: %w", err)
	}

	if doc.Identity.OrgID == "" {
		return nil, fmt.Errorf("identity is missing org_id")
	}

	p := &Principal{
		Type:   doc.Identity.Type,
		OrgID:  doc.Identity.OrgID,
		Extras: map[string]string{},
	}
	if doc.Identity.AccountNumber != "" {
		p.Extras["account_number"] = doc.Identity.AccountNumber
	}
	if doc.Identity.AuthType != "" {
		p.Extras["auth_type"] = doc.Identity.AuthType
	}

	switch doc.Identity.Type {
	case TypeUser:
		if doc.Identity.User.UserID == "" {
			return nil, fmt.Errorf("User identity is missing user.user_id")
		}
		p.UserID = doc.Identity.User.UserID
		p.scopes = map[Scope]bool{ScopeAuthenticated: true, ScopeUser: true}
	case TypeSystem:
		if doc.Identity.System.CN == "" {
			return nil, fmt.Errorf("System identity is missing system.cn")
		}
		if _, err := uuid.Parse(doc.Identity.System.CN); err != nil {
			return nil, fmt.Errorf("System identity cn %q is not a UUID", doc.Identity.System.CN)
		}
		p.CN = doc.Identity.System.CN
		p.scopes = map[Scope]bool{ScopeAuthenticated: true, ScopeSystem: true}
	default:
		return nil, fmt.Errorf("unknown identity type %q", doc.Identity.Type)
	}

	return p, nil
}

// FakePrincipal returns the synthetic user principal minted when the
// test-only bypass is active. The values match the development gateway's
// canned identity header.
func FakePrincipal() *Principal {
	return &Principal{
		Type:   TypeUser,
		UserID: "7",
		OrgID:  "42",
		Extras: map[string]string{"auth_type": "basic-auth"},
		scopes: map[Scope]bool{ScopeAuthenticated: true, ScopeUser: true},
	}
}
