package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	sessionCookie = "mqauth_session"
	sessionMaxAge = 7 * 24 * time.Hour
)

// Sessions stores the identity in a signed (and optionally encrypted)
// cookie, so no session state lives on the server.
type Sessions struct {
	codec  *securecookie.SecureCookie
	secure bool
}

// NewSessions needs a hash key of at least 32 bytes. blockKey may be nil to
// sign without encrypting.
func NewSessions(hashKey, blockKey []byte, secure bool) (*Sessions, error) {
	if len(hashKey) < 32 {
		return nil, errors.New("web: session hash key must be at least 32 bytes")
	}
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionMaxAge.Seconds()))
	return &Sessions{codec: sc, secure: secure}, nil
}

// Load returns the identity in the request's session cookie. A missing,
// expired or tampered cookie yields no identity.
func (s *Sessions) Load(r *http.Request) (Identity, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return Identity{}, false
	}
	var id Identity
	if err := s.codec.Decode(sessionCookie, c.Value, &id); err != nil || id.Email == "" {
		return Identity{}, false
	}
	return id, true
}

func (s *Sessions) Save(w http.ResponseWriter, id Identity) error {
	value, err := s.codec.Encode(sessionCookie, id)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
