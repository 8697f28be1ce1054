package session

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

const maxBodyBytes = 1 << 16

// Authenticator checks login credentials and returns the user id they
// belong to. Failures should be CodeAuthentication errors that do not
// reveal which part of the credentials was wrong.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, password string) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (string, error) {
	return f(ctx, username, password)
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Handler serves the session endpoints:
//
//	POST /login       {username, password, remember_me} -> TokenPair
//	POST /refresh     {refresh_token}                   -> TokenPair
//	POST /logout      bearer access token               -> 204
//	POST /logout-all  bearer access token               -> {"revoked": n}
//	GET  /sessions    bearer access token               -> []RefreshToken
type Handler struct {
	svc   *Service
	authn Authenticator
}

func NewHandler(svc *Service, authn Authenticator) *Handler {
	return &Handler{svc: svc, authn: authn}
}

// Routes returns a router to mount under a prefix such as /auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.login)
	r.Post("/refresh", h.refresh)
	r.Post("/logout", h.logout)
	r.Post("/logout-all", h.logoutAll)
	r.Get("/sessions", h.sessions)
	return r
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		sserr.WriteHTTP(w, sserr.CredentialMissing("username and password are required"))
		return
	}
	userID, err := h.authn.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	pair, err := h.svc.Login(r.Context(), userID, LoginOptions{RememberMe: req.RememberMe})
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	if req.RefreshToken == "" {
		sserr.WriteHTTP(w, sserr.CredentialMissing("refresh token is required"))
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	token, err := bearer(r)
	if err == nil {
		err = h.svc.Logout(r.Context(), token)
	}
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	token, err := bearer(r)
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	n, err := h.svc.LogoutAll(r.Context(), token)
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	token, err := bearer(r)
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	id, err := h.svc.identify(r.Context(), token)
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	active, err := h.svc.ActiveSessions(r.Context(), id.SubjectID)
	if err != nil {
		sserr.WriteHTTP(w, err)
		return
	}
	if active == nil {
		active = []RefreshToken{}
	}
	writeJSON(w, http.StatusOK, active)
}

func bearer(r *http.Request) (string, error) {
	raw := r.Header.Get(auth.HeaderAuthorization)
	if raw == "" {
		return "", sserr.CredentialMissing("bearer credential is required")
	}
	token := auth.ExtractBearerToken(raw)
	if token == "" {
		return "", sserr.CredentialMalformed("authorization header is not a bearer credential")
	}
	return token, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return sserr.Wrap(err, sserr.CodeValidationFormat, "request body is not valid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
