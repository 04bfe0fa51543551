package goIdP

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/model"
	"github.com/google/uuid"
)

// RegisterClient validates and stores a new OAuth client. Confidential
// clients receive a generated secret, returned here and never again.
func (e *Engine) RegisterClient(ctx context.Context, reg ClientRegistration) (*RegisteredClient, error) {
	c, err := e.clientFromRegistration(reg)
	if err != nil {
		return nil, err
	}

	var secret string
	if !reg.Public {
		if secret, err = internal.NewSecret(); err != nil {
			return nil, err
		}
		if c.ClientSecretHash, err = e.secrets.Hash(secret); err != nil {
			return nil, err
		}
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.clients.Create(sctx, c); err != nil {
		if errors.Is(err, stores.ErrRecordExists) {
			return nil, ErrClientExists
		}
		return nil, e.backendError("client_create", err)
	}

	e.emitAudit(ctx, auditEntry{
		action:   auditClientRegistered,
		resource: c.ClientID,
		success:  true,
		after: map[string]any{
			"name":          c.Name,
			"redirect_uris": c.RedirectURIs,
			"scopes":        c.AllowedScopes,
			"grant_types":   c.GrantTypes,
			"public":        c.Public(),
			"require_pkce":  c.RequirePKCE,
		},
	})
	return &RegisteredClient{Client: *c, ClientSecret: secret}, nil
}

func (e *Engine) clientFromRegistration(reg ClientRegistration) (*model.OAuthClient, error) {
	c := &model.OAuthClient{
		ClientID:        strings.TrimSpace(reg.ClientID),
		Name:            strings.TrimSpace(reg.Name),
		RedirectURIs:    append([]string(nil), reg.RedirectURIs...),
		AllowedScopes:   append([]string(nil), reg.AllowedScopes...),
		GrantTypes:      append([]string(nil), reg.GrantTypes...),
		RequirePKCE:     reg.Public,
		Status:          model.ClientActive,
		Trusted:         reg.Trusted,
		RequireApproval: reg.RequireApproval,
		CreatedAt:       e.now().UTC(),
	}
	if reg.RequirePKCE != nil {
		c.RequirePKCE = *reg.RequirePKCE
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.Name == "" || strings.ContainsAny(c.ClientID, ": ") {
		return nil, ErrInvalidClientDef
	}

	if len(c.RedirectURIs) == 0 {
		return nil, ErrInvalidRedirect
	}
	for _, raw := range c.RedirectURIs {
		if !e.validRedirectURI(raw) {
			return nil, ErrInvalidRedirect
		}
	}

	if len(c.AllowedScopes) == 0 {
		c.AllowedScopes = []string{model.ScopeOpenID}
	}
	if !model.HasScope(c.AllowedScopes, model.ScopeOpenID) ||
		!model.ScopeSubset(c.AllowedScopes, e.config.OAuth.SupportedScopes) {
		return nil, ErrInvalidClientDef
	}

	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{model.GrantAuthorizationCode}
	}
	for _, g := range c.GrantTypes {
		if g != model.GrantAuthorizationCode && g != model.GrantRefreshToken {
			return nil, ErrInvalidClientDef
		}
	}
	if !c.AllowsGrant(model.GrantAuthorizationCode) {
		return nil, ErrInvalidClientDef
	}
	return c, nil
}

// validRedirectURI accepts absolute URIs without a fragment. In production
// plain http is only allowed for loopback hosts.
func (e *Engine) validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Fragment != "" || u.User != nil {
		return false
	}
	switch u.Scheme {
	case "https":
		return u.Host != ""
	case "http":
		if u.Host == "" {
			return false
		}
		if !e.config.Security.ProductionMode {
			return true
		}
		host := u.Hostname()
		ip := net.ParseIP(host)
		return host == "localhost" || (ip != nil && ip.IsLoopback())
	default:
		// Private-use schemes for native apps (RFC 8252 section 7.1).
		return strings.Contains(u.Scheme, ".")
	}
}

// Client returns a registered client.
func (e *Engine) Client(ctx context.Context, clientID string) (*model.OAuthClient, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.loadClient(sctx, clientID)
}

func (e *Engine) loadClient(ctx context.Context, clientID string) (*model.OAuthClient, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}
	c, err := e.clients.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, e.backendError("client_get", err)
	}
	return c, nil
}

// SetClientStatus activates or suspends a client. A suspended client can
// neither start authorizations nor use tokens it already holds.
func (e *Engine) SetClientStatus(ctx context.Context, actorID, clientID string, status model.ClientStatus) (*model.OAuthClient, error) {
	if status != model.ClientActive && status != model.ClientSuspended {
		return nil, ErrInvalidInput
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	before, after, err := e.clients.SetStatus(sctx, clientID, status)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, e.backendError("client_status", err)
	}

	e.emitAudit(ctx, auditEntry{
		action:   auditClientStatusChanged,
		actorID:  actorID,
		resource: clientID,
		success:  true,
		before:   map[string]any{"status": string(before.Status)},
		after:    map[string]any{"status": string(after.Status)},
	})
	return after, nil
}
