// Package auth connects remote calendar accounts through OAuth and keeps
// their tokens fresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/calsync/internal/config"
	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/remote"
	"gitea.jw6.us/james/calsync/internal/store"
)

// ConnectHook runs after a user's tokens were stored by the OAuth callback.
type ConnectHook func(ctx context.Context, user *store.RemoteUser) error

// Service runs the OAuth connect flow and implements remote.TokenProvider.
type Service struct {
	cfg       *config.Config
	store     *store.Store
	oauth     *oauth2.Config
	verifier  *oidc.IDTokenVerifier
	states    *StateCodec
	client    *http.Client
	now       func() time.Time
	onConnect ConnectHook
}

// NewService builds the OAuth configuration. With an issuer URL the
// endpoints come from OIDC discovery and id tokens are verified.
func NewService(ctx context.Context, cfg *config.Config, st *store.Store) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		store:  st,
		states: NewStateCodec(cfg),
		client: &http.Client{Timeout: cfg.Remote.Timeout},
		now:    time.Now,
		oauth: &oauth2.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			RedirectURL:  cfg.RedirectURL(),
			Scopes:       cfg.OAuth.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OAuth.AuthURL,
				TokenURL: cfg.OAuth.TokenURL,
			},
		},
	}

	if cfg.OAuth.IssuerURL != "" {
		discoveryCtx := oidc.ClientContext(ctx, s.client)
		if cfg.OAuth.SkipIssuerCheck {
			discoveryCtx = oidc.InsecureIssuerURLContext(discoveryCtx, cfg.OAuth.IssuerURL)
		}
		provider, err := oidc.NewProvider(discoveryCtx, cfg.OAuth.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery: %w", err)
		}
		s.oauth.Endpoint = provider.Endpoint()
		s.verifier = provider.Verifier(&oidc.Config{
			ClientID:        cfg.OAuth.ClientID,
			SkipIssuerCheck: cfg.OAuth.SkipIssuerCheck,
		})
	}
	return s, nil
}

// OnConnect registers the hook run after a successful callback.
func (s *Service) OnConnect(hook ConnectHook) {
	s.onConnect = hook
}

// Valid reports whether an access token is still usable.
func (s *Service) Valid(accessToken string) bool {
	return remote.TokenValidAt(accessToken, s.now())
}

// Refresh trades a refresh token for a new token set. Rejections by the
// token endpoint are permanent; throttling, server errors and network
// failures are recoverable.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (store.TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return store.TokenSet{}, classifyTokenError(err)
	}
	return tokenSet(tok), nil
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &remote.TransportError{Err: err}
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &remote.Error{Kind: remote.KindThrottled, StatusCode: status, Err: err}
	case status >= 500:
		return &remote.Error{Kind: remote.KindServerError, StatusCode: status, Err: err}
	}
	return fmt.Errorf("token refresh rejected: %w", err)
}

func tokenSet(tok *oauth2.Token) store.TokenSet {
	set := store.TokenSet{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if id, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = id
	}
	return set
}

// RefreshAll renews expired access tokens of every connected user.
func (s *Service) RefreshAll(ctx context.Context) error {
	users, err := s.store.Users.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list remote users: %w", err)
	}
	var errs []error
	for i := range users {
		user := &users[i]
		if user.AuthenticationFailure || user.Tokens.RefreshToken == "" || s.Valid(user.Tokens.AccessToken) {
			continue
		}
		tokens, err := s.Refresh(ctx, user.Tokens.RefreshToken)
		if err != nil {
			if remote.IsRecoverable(err) {
				log.Printf("[WARN] auth: refresh for user %d postponed: %v", user.ID, err)
				continue
			}
			log.Printf("[WARN] auth: refresh for user %d rejected: %v", user.ID, err)
			if err := s.store.Users.SetAuthFailure(ctx, user.ID, err.Error()); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if tokens.RefreshToken == "" {
			tokens.RefreshToken = user.Tokens.RefreshToken
		}
		if err := s.store.Users.UpdateTokens(ctx, user.ID, tokens, ""); err != nil {
			errs = append(errs, fmt.Errorf("store tokens of user %d: %w", user.ID, err))
		}
	}
	return errors.Join(errs...)
}

// BeginOAuth redirects to the authorization endpoint for the remote user
// named by the "user" query parameter.
func (s *Service) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid user")
		return
	}
	if _, err := s.store.Users.GetByID(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.Write(w, r, http.StatusNotFound, "unknown user")
			return
		}
		httperrors.InternalError(w, r, err, "failed to load remote user")
		return
	}
	state, err := s.states.Issue(w, userID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to issue oauth state")
		return
	}
	http.Redirect(w, r, s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusFound)
}

// HandleOAuthCallback completes the OAuth flow and stores the user's tokens.
func (s *Service) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if msg := r.URL.Query().Get("error"); msg != "" {
		httperrors.BadRequestError(w, r, errors.New(msg), "authorization was declined")
		return
	}
	userID, err := s.states.Verify(w, r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid state")
		return
	}

	tok, err := s.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, s.client), r.URL.Query().Get("code"))
	if err != nil {
		httperrors.BadRequestError(w, r, err, "code exchange failed")
		return
	}
	tokens := tokenSet(tok)
	email, err := s.emailFromIDToken(ctx, tokens.IDToken)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid id token")
		return
	}

	if err := s.store.Users.UpdateTokens(ctx, userID, tokens, email); err != nil {
		httperrors.InternalError(w, r, err, "failed to store tokens")
		return
	}
	user, err := s.store.Users.GetByID(ctx, userID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to reload remote user")
		return
	}
	if s.onConnect != nil {
		if err := s.onConnect(ctx, user); err != nil {
			httperrors.LogError(r, "post-connect hook failed", err)
		}
	}
	httperrors.LogInfo(r, fmt.Sprintf("remote user %d connected as %s", user.ID, user.Email))

	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"status": "connected", "user_id": user.ID, "email": user.Email})
}

type identityClaims struct {
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	UPN               string `json:"upn"`
}

func (c identityClaims) address() string {
	switch {
	case c.Email != "":
		return c.Email
	case c.PreferredUsername != "":
		return c.PreferredUsername
	}
	return c.UPN
}

// emailFromIDToken returns the account address of an id token. Without an
// OIDC verifier the claims are read unverified.
func (s *Service) emailFromIDToken(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	var claims identityClaims
	if s.verifier != nil {
		idToken, err := s.verifier.Verify(oidc.ClientContext(ctx, s.client), raw)
		if err != nil {
			return "", err
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", err
		}
		return claims.address(), nil
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mapClaims); err != nil {
		return "", err
	}
	claims.Email, _ = mapClaims["email"].(string)
	claims.PreferredUsername, _ = mapClaims["preferred_username"].(string)
	claims.UPN, _ = mapClaims["upn"].(string)
	return claims.address(), nil
}
