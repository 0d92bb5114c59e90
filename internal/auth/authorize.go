// ABOUTME: Connect-time accept/reject decision for gateway connections
// ABOUTME: Tailscale identity is an additive bypass; token/password is the configured gate

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// Accept methods.
const (
	MethodToken     = "token"
	MethodPassword  = "password"
	MethodTailscale = "tailscale"
)

// Rejection and fall-through reasons.
const (
	ReasonTailscaleUserMissing  = "tailscale_user_missing"
	ReasonTailscaleProxyMissing = "tailscale_proxy_missing"
	ReasonTailscaleWhoisFailed  = "tailscale_whois_failed"
	ReasonTailscaleUserMismatch = "tailscale_user_mismatch"
	ReasonTokenMissingConfig    = "token_missing_config"
	ReasonTokenMissing          = "token_missing"
	ReasonTokenMismatch         = "token_mismatch"
	ReasonPasswordMissingConfig = "password_missing_config"
	ReasonPasswordMissing       = "password_missing"
	ReasonPasswordMismatch      = "password_mismatch"
	ReasonUnauthorized          = "unauthorized"
)

// Attempt describes one connection attempt. Headers and RemoteAddr
// come from the upgrade request; Token and Password from the declared
// auth block.
type Attempt struct {
	RemoteAddr string
	Host       string
	Headers    http.Header
	Token      string
	Password   string
}

// Result is the authorizer's decision. Method and User are set on
// accept; Reason on reject.
type Result struct {
	OK     bool
	Method string
	User   string
	Reason string
}

// Authorizer decides connection attempts against the resolved auth
// configuration. It mutates nothing; the whois lookup is its only
// side effect.
type Authorizer struct {
	resolved       Resolved
	whois          WhoisClient
	trustedProxies []string
	logger         *slog.Logger
}

// NewAuthorizer builds an authorizer. whois may be nil when Tailscale
// identity is not allowed.
func NewAuthorizer(resolved Resolved, whois WhoisClient, trustedProxies []string, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		resolved:       resolved,
		whois:          whois,
		trustedProxies: trustedProxies,
		logger:         logger.With("component", "auth"),
	}
}

// Authorize runs the connect-time decision: the Tailscale identity
// path first (additive bypass, never an exclusive gate), then the
// configured token or password mode. Rejections carry a specific
// machine-readable reason; the network peer sees a uniform message.
func (a *Authorizer) Authorize(ctx context.Context, att Attempt) Result {
	localDirect := isLocalDirect(att.RemoteAddr, att.Host, att.Headers, a.trustedProxies)

	if a.resolved.AllowTailscale && !localDirect {
		if res, ok := a.tryTailscale(ctx, att); ok {
			return res
		}
		// Tailscale failures fall through to the configured mode.
	}

	switch a.resolved.Mode {
	case ModeToken:
		return a.checkSecret(att, MethodToken, att.Token, a.resolved.Token,
			ReasonTokenMissingConfig, ReasonTokenMissing, ReasonTokenMismatch)
	case ModePassword:
		return a.checkSecret(att, MethodPassword, att.Password, a.resolved.Password,
			ReasonPasswordMissingConfig, ReasonPasswordMissing, ReasonPasswordMismatch)
	default:
		return a.reject(att, ReasonUnauthorized)
	}
}

// tryTailscale attempts the Tailscale identity path. Returns ok=false
// to fall through to the configured mode, logging the specific reason.
func (a *Authorizer) tryTailscale(ctx context.Context, att Attempt) (Result, bool) {
	login := att.Headers.Get(HeaderTailscaleLogin)
	name := att.Headers.Get(HeaderTailscaleName)
	if login == "" || name == "" {
		a.fallThrough(att, ReasonTailscaleUserMissing)
		return Result{}, false
	}

	// The identity headers are only proof when the request arrived via
	// the loopback hop of the serve proxy carrying the standard
	// forwarding headers; anything else could be a spoof from an
	// arbitrary network peer.
	if !isLoopbackIP(att.RemoteAddr) ||
		att.Headers.Get(headerForwardedFor) == "" ||
		att.Headers.Get(headerForwardedProto) == "" ||
		att.Headers.Get(headerForwardedHost) == "" {
		a.fallThrough(att, ReasonTailscaleProxyMissing)
		return Result{}, false
	}

	if a.whois == nil {
		a.fallThrough(att, ReasonTailscaleWhoisFailed)
		return Result{}, false
	}

	ip := ClientIP(att.RemoteAddr, att.Headers, a.trustedProxies)
	verifiedLogin, err := a.whois.WhoIs(ctx, ip)
	if err != nil {
		a.fallThrough(att, ReasonTailscaleWhoisFailed)
		return Result{}, false
	}
	if !strings.EqualFold(verifiedLogin, login) {
		a.fallThrough(att, ReasonTailscaleUserMismatch)
		return Result{}, false
	}

	return Result{OK: true, Method: MethodTailscale, User: verifiedLogin}, true
}

// checkSecret applies the shared-secret check for the configured mode.
func (a *Authorizer) checkSecret(att Attempt, method, presented, configured, missingConfig, missing, mismatch string) Result {
	if configured == "" {
		return a.reject(att, missingConfig)
	}
	if presented == "" {
		return a.reject(att, missing)
	}
	if !SecretEqual(presented, configured) {
		return a.reject(att, mismatch)
	}
	return Result{OK: true, Method: method}
}

func (a *Authorizer) reject(att Attempt, reason string) Result {
	a.logger.Warn("connection rejected", "reason", reason, "remote_addr", att.RemoteAddr)
	return Result{Reason: reason}
}

func (a *Authorizer) fallThrough(att Attempt, reason string) {
	a.logger.Debug("tailscale path not taken", "reason", reason, "remote_addr", att.RemoteAddr)
}
