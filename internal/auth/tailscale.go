// ABOUTME: Tailscale identity lookup behind a narrow interface
// ABOUTME: Adapts the tailscaled local API whois call for the authorizer

package auth

import (
	"context"
	"fmt"

	"tailscale.com/client/local"
)

// Tailscale identity headers stamped by the serve proxy.
const (
	HeaderTailscaleLogin = "Tailscale-User-Login"
	HeaderTailscaleName  = "Tailscale-User-Name"
)

// WhoisClient resolves the Tailscale identity behind a client address.
type WhoisClient interface {
	WhoIs(ctx context.Context, remoteAddr string) (login string, err error)
}

// LocalWhois queries the local tailscaled over its local API socket.
type LocalWhois struct {
	client local.Client
}

// NewLocalWhois returns a whois client backed by the machine's
// tailscaled.
func NewLocalWhois() *LocalWhois {
	return &LocalWhois{}
}

// WhoIs returns the login name owning remoteAddr on the tailnet.
func (w *LocalWhois) WhoIs(ctx context.Context, remoteAddr string) (string, error) {
	resp, err := w.client.WhoIs(ctx, remoteAddr)
	if err != nil {
		return "", fmt.Errorf("tailscale whois: %w", err)
	}
	if resp == nil || resp.UserProfile == nil {
		return "", fmt.Errorf("tailscale whois: no user for %s", remoteAddr)
	}
	return resp.UserProfile.LoginName, nil
}
