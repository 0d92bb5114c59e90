// ABOUTME: Entity types for the device pairing lifecycle
// ABOUTME: Pending requests, paired devices, and per-role auth tokens

package pairing

// DefaultRole is assigned when a pairing request names no role.
const DefaultRole = "operator"

// PendingRequest is a not-yet-approved pairing request. At most one
// pending request exists per device id; repeats return the existing
// entry. Entries expire after PendingTTL.
type PendingRequest struct {
	RequestID   string   `json:"requestId"`
	DeviceID    string   `json:"deviceId"`
	PublicKey   string   `json:"publicKey"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	ClientID    string   `json:"clientId,omitempty"`
	ClientMode  string   `json:"clientMode,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	RemoteIP    string   `json:"remoteIp,omitempty"`
	// IsRepair marks a request from a device that is already paired,
	// so operator UIs can tell re-authentication from a new device.
	IsRepair    bool  `json:"isRepair"`
	CreatedAtMs int64 `json:"createdAtMs"`
}

// PairedDevice is an approved device. Roles and scopes merge
// monotonically across repeated approvals; the record persists until
// explicitly removed.
type PairedDevice struct {
	DeviceID     string                `json:"deviceId"`
	PublicKey    string                `json:"publicKey"`
	DisplayName  string                `json:"displayName,omitempty"`
	Platform     string                `json:"platform,omitempty"`
	Roles        []string              `json:"roles"`
	Scopes       []string              `json:"scopes,omitempty"`
	Tokens       map[string]*AuthToken `json:"tokens,omitempty"` // keyed by role
	CreatedAtMs  int64                 `json:"createdAtMs"`
	ApprovedAtMs int64                 `json:"approvedAtMs"`
}

// AuthToken is the per-(device, role) secret minted on approval.
// Revocation keeps the record for audit; a revoked token never
// authenticates again even if the same literal secret is replayed.
type AuthToken struct {
	Token        string   `json:"token"`
	Role         string   `json:"role"`
	Scopes       []string `json:"scopes,omitempty"`
	CreatedAtMs  int64    `json:"createdAtMs"`
	RotatedAtMs  int64    `json:"rotatedAtMs,omitempty"`
	RevokedAtMs  int64    `json:"revokedAtMs,omitempty"`
	LastUsedAtMs int64    `json:"lastUsedAtMs,omitempty"`
}

// Revoked reports whether the token has been revoked.
func (t *AuthToken) Revoked() bool {
	return t.RevokedAtMs != 0
}

// mergeStrings unions b into a, preserving order of first appearance.
func mergeStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lists := range [][]string{a, b} {
		for _, s := range lists {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// containsAll reports whether every element of want is present in have.
// An empty want trivially passes.
func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if !set[s] {
			return false
		}
	}
	return true
}
