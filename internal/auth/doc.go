// Package auth decides whether a gateway connection attempt is
// accepted and by which method.
//
// # Resolution
//
// Resolve derives the effective auth mode from the config block and
// the environment: an explicit config value wins, then the
// TETHER_GATEWAY_TOKEN / TETHER_GATEWAY_PASSWORD environment
// variables. AssertConfigured runs at startup and fails fast on a
// mode with no matching secret: that is a configuration error, never
// a per-connection one.
//
// # Authorization
//
// Authorize runs once per connection attempt:
//
//  1. Local direct requests (loopback peer, local Host, no untrusted
//     forwarding header) skip the Tailscale identity contract.
//  2. When Tailscale is allowed, identity headers are honored only if
//     the request provably traversed the serve proxy and a whois
//     lookup confirms the asserted login. Every failure falls through
//     to the configured mode with a specific reason.
//  3. The configured token or password is compared in constant time.
//
// Rejections carry machine-readable reasons for logs and audit; the
// network peer sees a uniform message regardless of which factor was
// closer to correct.
package auth
