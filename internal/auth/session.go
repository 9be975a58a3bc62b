package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/securecookie"

	"gitea.jw6.us/james/calsync/internal/config"
)

const (
	stateName   = "calsync_oauth_state"
	stateMaxAge = 15 * time.Minute
)

// ErrInvalidState is returned when the OAuth state does not verify.
var ErrInvalidState = errors.New("invalid oauth state")

type statePayload struct {
	UserID int64  `json:"user_id"`
	Nonce  string `json:"nonce"`
	Exp    int64  `json:"exp"`
}

// StateCodec signs the OAuth state parameter. The state binds the remote
// user being connected; a cookie with the same nonce binds the browser.
type StateCodec struct {
	codec  *securecookie.SecureCookie
	secure bool
	now    func() time.Time
}

func NewStateCodec(cfg *config.Config) *StateCodec {
	hash := sha256.Sum256([]byte(cfg.Session.Secret))
	hashKey := hash[:]

	// Derive an AES-256 sized block key to avoid invalid key length errors.
	blockKey := hash[:]
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(stateMaxAge.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})

	secure := true
	if base, err := url.Parse(cfg.BaseURL); err == nil && base.Scheme != "https" {
		secure = false
	}

	return &StateCodec{codec: sc, secure: secure, now: time.Now}
}

// Issue returns a state for userID and sets the matching nonce cookie.
func (c *StateCodec) Issue(w http.ResponseWriter, userID int64) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)
	state, err := c.codec.Encode(stateName, statePayload{
		UserID: userID,
		Nonce:  nonce,
		Exp:    c.now().Add(stateMaxAge).Unix(),
	})
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateName,
		Value:    nonce,
		Path:     "/",
		Expires:  c.now().Add(stateMaxAge),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

// Verify checks the state of a callback request and returns the user id it
// was issued for. The nonce cookie is cleared.
func (c *StateCodec) Verify(w http.ResponseWriter, r *http.Request) (int64, error) {
	var p statePayload
	if err := c.codec.Decode(stateName, r.URL.Query().Get("state"), &p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if time.Unix(p.Exp, 0).Before(c.now()) {
		return 0, fmt.Errorf("%w: expired", ErrInvalidState)
	}
	cookie, err := r.Cookie(stateName)
	if err != nil || cookie.Value != p.Nonce {
		return 0, fmt.Errorf("%w: nonce mismatch", ErrInvalidState)
	}

	http.SetCookie(w, &http.Cookie{
		Name:    stateName,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
		Secure:  c.secure,
	})
	return p.UserID, nil
}
