// Package web is the frontend: registration, login and the stats lookup.
// Credentials are checked by calling the auth worker over the broker.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mqauth/auth"
	"mqauth/client"
	"mqauth/message"
	"mqauth/stats"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Caller performs one auth RPC. *client.Pool implements it.
type Caller interface {
	Call(ctx context.Context, op message.Operation, payload message.Payload) (*message.Response, error)
}

// StatsLookup fetches a player summary as raw JSON. *stats.Client implements it.
type StatsLookup interface {
	Summoner(ctx context.Context, region, player, apiKey string) (json.RawMessage, error)
}

const msgLoginFailed = "Login failed."

type Handler struct {
	caller     Caller
	stats      StatsLookup
	sessions   *Sessions
	bcryptCost int
	logger     *zap.Logger
	mux        *http.ServeMux
	root       http.Handler
}

// NewHandler wires the routes. stats may be nil, in which case POST / is
// answered with 503.
func NewHandler(caller Caller, lookup StatsLookup, sessions *Sessions, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		caller:     caller,
		stats:      lookup,
		sessions:   sessions,
		bcryptCost: bcrypt.DefaultCost,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /{$}", h.index)
	h.mux.HandleFunc("POST /{$}", h.lookup)
	h.mux.HandleFunc("GET /register", h.registerForm)
	h.mux.HandleFunc("POST /register", h.register)
	h.mux.HandleFunc("GET /login", h.loginForm)
	h.mux.HandleFunc("POST /login", h.login)
	h.mux.HandleFunc("GET /logout", h.logout)
	h.mux.Handle("GET /secret", RequireLogin(http.HandlerFunc(h.secret)))
	h.root = Chain(h.mux, Logging(h.logger), Authenticate(h.sessions))
	return h
}

// SetBcryptCost overrides bcrypt.DefaultCost.
func (h *Handler) SetBcryptCost(cost int) {
	h.bcryptCost = cost
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func text(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, format+"\n", args...)
}

// callFailed maps a transport fault to a gateway status. Domain failures
// never get here; they come back as a Response.
func (h *Handler) callFailed(w http.ResponseWriter, op message.Operation, err error) {
	h.logger.Error("auth call failed", zap.String("operation", string(op)), zap.Error(err))
	if errors.Is(err, client.ErrTimeout) {
		text(w, http.StatusGatewayTimeout, "The authentication service did not answer in time.")
		return
	}
	text(w, http.StatusBadGateway, "The authentication service is unavailable.")
}

func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	if id, ok := IdentityFrom(r.Context()); ok {
		text(w, http.StatusOK, "Signed in as %s.", id.Email)
		return
	}
	text(w, http.StatusOK, "Welcome. POST region, player and apikey to / to look up a player.")
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		text(w, http.StatusServiceUnavailable, "Player lookup is not configured.")
		return
	}
	raw, err := h.stats.Summoner(r.Context(), r.PostFormValue("region"), r.PostFormValue("player"), r.PostFormValue("apikey"))
	var se *stats.StatusError
	switch {
	case errors.Is(err, stats.ErrBadRegion), errors.Is(err, stats.ErrNoPlayer), errors.Is(err, stats.ErrNoAPIKey):
		text(w, http.StatusBadRequest, "%v", err)
		return
	case errors.As(err, &se):
		text(w, http.StatusBadGateway, "Lookup failed with status %d.", se.StatusCode)
		return
	case err != nil:
		h.logger.Warn("stats lookup failed", zap.Error(err))
		text(w, http.StatusBadGateway, "Lookup failed.")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (h *Handler) registerForm(w http.ResponseWriter, r *http.Request) {
	text(w, http.StatusOK, "POST email and password to /register.")
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	email := auth.NormalizeEmail(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	if email == "" || password == "" {
		text(w, http.StatusBadRequest, "Email and password are required.")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
	if err != nil {
		// Passwords over 72 bytes are the only input bcrypt refuses.
		text(w, http.StatusBadRequest, "Password is not acceptable.")
		return
	}

	resp, err := h.caller.Call(r.Context(), message.OpRegister, message.Payload{"email": email, "hash": string(hash)})
	if err != nil {
		h.callFailed(w, message.OpRegister, err)
		return
	}
	if !resp.Success {
		text(w, http.StatusOK, "%s", resp.Message)
		return
	}
	h.signIn(w, r, email)
}

func (h *Handler) loginForm(w http.ResponseWriter, r *http.Request) {
	text(w, http.StatusOK, "POST email and password to /login.")
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	email := auth.NormalizeEmail(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	if email == "" || password == "" {
		text(w, http.StatusUnauthorized, msgLoginFailed)
		return
	}

	resp, err := h.caller.Call(r.Context(), message.OpGetHash, message.Payload{"email": email})
	if err != nil {
		h.callFailed(w, message.OpGetHash, err)
		return
	}
	if !resp.Success || bcrypt.CompareHashAndPassword([]byte(resp.Hash), []byte(password)) != nil {
		text(w, http.StatusUnauthorized, msgLoginFailed)
		return
	}
	h.signIn(w, r, email)
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request, email string) {
	if err := h.sessions.Save(w, Identity{Email: email}); err != nil {
		h.logger.Error("save session", zap.Error(err))
		text(w, http.StatusInternalServerError, "Could not start a session.")
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) secret(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	text(w, http.StatusOK, "Secret page for %s.", id.Email)
}
