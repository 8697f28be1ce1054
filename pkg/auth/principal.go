package auth

import (
	"log/slog"
	"slices"
	"strings"
	"time"
)

// RequestMeta is request metadata recorded on a Principal for audit.
type RequestMeta struct {
	ClientAddr string
}

// Principal is the verified identity attached to one request. It is
// immutable; Roles returns a copy.
type Principal struct {
	userID    string
	roles     []string
	meta      RequestMeta
	expiresAt time.Time
}

// NewPrincipal builds a principal for userID. Roles are deduplicated and
// sorted. An empty userID yields an anonymous principal.
func NewPrincipal(userID string, roles []string, meta RequestMeta) Principal {
	if userID == "" {
		return Anonymous(meta)
	}
	return Principal{userID: userID, roles: normalizeRoles(roles), meta: meta}
}

// Anonymous returns the principal of an unauthenticated request.
func Anonymous(meta RequestMeta) Principal {
	return Principal{meta: meta}
}

func (p Principal) UserID() string { return p.userID }

func (p Principal) IsAuthenticated() bool { return p.userID != "" }

func (p Principal) ClientAddr() string { return p.meta.ClientAddr }

// ExpiresAt is the expiry of the assertion the principal was built from,
// zero for anonymous principals.
func (p Principal) ExpiresAt() time.Time { return p.expiresAt }

func (p Principal) Roles() []string {
	return slices.Clone(p.roles)
}

func (p Principal) HasRole(role string) bool {
	_, found := slices.BinarySearch(p.roles, role)
	return found
}

// HasAnyRole reports whether p holds at least one of roles.
func (p Principal) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// LogValue keeps log lines to the user id and roles.
func (p Principal) LogValue() slog.Value {
	if !p.IsAuthenticated() {
		return slog.GroupValue(
			slog.Bool("authenticated", false),
			slog.String("client_addr", p.meta.ClientAddr),
		)
	}
	return slog.GroupValue(
		slog.String("user_id", p.userID),
		slog.Any("roles", p.roles),
		slog.String("client_addr", p.meta.ClientAddr),
	)
}

// normalizeRoles trims, drops empty entries, deduplicates and sorts.
func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
