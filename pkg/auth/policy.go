package auth

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// AccessRule gates requests whose path starts with Prefix on segment
// boundaries.
type AccessRule struct {
	Prefix string

	// Methods restricts the rule to these HTTP methods. Empty matches all.
	Methods []string

	// Roles lists the roles allowed through. Empty admits any
	// authenticated principal.
	Roles []string

	// Public admits anonymous principals.
	Public bool
}

func (r AccessRule) matches(method, path string) bool {
	if !pathHasPrefix(path, r.Prefix) {
		return false
	}
	return len(r.Methods) == 0 || slices.Contains(r.Methods, method)
}

// String renders r in the form accepted by ParseAccessRule.
func (r AccessRule) String() string {
	var b strings.Builder
	if len(r.Methods) > 0 {
		b.WriteString(strings.Join(r.Methods, ","))
		b.WriteByte(' ')
	}
	b.WriteString(r.Prefix)
	b.WriteByte('=')
	switch {
	case r.Public:
		b.WriteString("public")
	case len(r.Roles) == 0:
		b.WriteString("authenticated")
	default:
		b.WriteString(strings.Join(r.Roles, "|"))
	}
	return b.String()
}

// ParseAccessRule parses "[METHODS ]PREFIX=GRANT" where METHODS is a comma
// separated method list and GRANT is "public", "authenticated" or a "|"
// separated role list. Examples:
//
//	/health=public
//	/api/v1/admin/=ADMIN
//	POST,PUT /api/v1/courses/=INSTRUCTOR|ADMIN
func ParseAccessRule(s string) (AccessRule, error) {
	target, grant, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || grant == "" {
		return AccessRule{}, fmt.Errorf("auth: access rule %q has no grant", s)
	}
	var r AccessRule
	if methods, prefix, hasMethods := strings.Cut(target, " "); hasMethods {
		for _, m := range strings.Split(methods, ",") {
			if m = strings.TrimSpace(m); m != "" {
				r.Methods = append(r.Methods, strings.ToUpper(m))
			}
		}
		target = strings.TrimSpace(prefix)
	}
	r.Prefix = target

	switch grant {
	case "public":
		r.Public = true
	case "authenticated":
	default:
		r.Roles = strings.Split(grant, "|")
	}
	if err := r.validate(); err != nil {
		return AccessRule{}, err
	}
	return r, nil
}

func (r *AccessRule) validate() error {
	if !strings.HasPrefix(r.Prefix, "/") {
		return fmt.Errorf("auth: access rule prefix %q must start with /", r.Prefix)
	}
	if r.Public && len(r.Roles) > 0 {
		return fmt.Errorf("auth: access rule for %q is public and role gated", r.Prefix)
	}
	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(m)
	}
	r.Roles = normalizeRoles(r.Roles)
	return nil
}

// AccessPolicy authorizes requests from the Principal attached by the
// verifier. Rules are evaluated in order and the first match decides.
// Paths matching no rule require an authenticated principal.
type AccessPolicy struct {
	rules []AccessRule
}

// NewAccessPolicy validates rules and returns a policy over them.
func NewAccessPolicy(rules ...AccessRule) (*AccessPolicy, error) {
	out := make([]AccessRule, 0, len(rules))
	for _, r := range rules {
		r.Methods = slices.Clone(r.Methods)
		if err := r.validate(); err != nil {
			return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: invalid access policy")
		}
		out = append(out, r)
	}
	return &AccessPolicy{rules: out}, nil
}

// ParseAccessPolicy builds a policy from rules in ParseAccessRule form.
func ParseAccessPolicy(specs []string) (*AccessPolicy, error) {
	rules := make([]AccessRule, 0, len(specs))
	for _, s := range specs {
		r, err := ParseAccessRule(s)
		if err != nil {
			return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: invalid access policy")
		}
		rules = append(rules, r)
	}
	return NewAccessPolicy(rules...)
}

func (p *AccessPolicy) match(method, path string) (AccessRule, bool) {
	for _, r := range p.rules {
		if r.matches(method, path) {
			return r, true
		}
	}
	return AccessRule{}, false
}

// IsPublic reports whether anonymous requests may reach method and path.
func (p *AccessPolicy) IsPublic(method, path string) bool {
	r, ok := p.match(method, path)
	return ok && r.Public
}

// Authorize returns nil when pr may access method and path,
// CredentialMissing when an anonymous principal reaches a protected path,
// and AuthorizationDenied when the principal lacks every required role.
func (p *AccessPolicy) Authorize(method, path string, pr Principal) error {
	r, ok := p.match(method, path)
	if ok && r.Public {
		return nil
	}
	if !pr.IsAuthenticated() {
		return sserr.CredentialMissing("authentication required")
	}
	if ok && len(r.Roles) > 0 && !pr.HasAnyRole(r.Roles...) {
		return sserr.Forbidden("insufficient role")
	}
	return nil
}

// Middleware enforces the policy on the principal in the request
// context. It must run after the verifier middleware.
func (p *AccessPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pr, _ := PrincipalFromContext(r.Context())
		if err := p.Authorize(r.Method, r.URL.Path, pr); err != nil {
			sserr.WriteHTTP(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthenticated rejects anonymous principals with 401.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pr, _ := PrincipalFromContext(r.Context()); !pr.IsAuthenticated() {
			sserr.WriteHTTP(w, sserr.CredentialMissing("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole admits principals holding any of roles. Anonymous principals
// get 401 and authenticated principals without a role get 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pr, _ := PrincipalFromContext(r.Context())
			switch {
			case !pr.IsAuthenticated():
				sserr.WriteHTTP(w, sserr.CredentialMissing("authentication required"))
			case !pr.HasAnyRole(roles...):
				sserr.WriteHTTP(w, sserr.Forbidden("insufficient role"))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
