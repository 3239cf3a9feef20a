package connection

import (
	"context"
	"sync"

	"puppyday/internal/config"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
)

// NewOAuthConfig builds the Google OAuth config for the calendar scope.
func NewOAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes: []string{
			calendar.CalendarScope,
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Endpoint: google.Endpoint,
	}
}

func (t OAuthToken) toOAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}

func fromOAuth2(t *oauth2.Token) OAuthToken {
	return OAuthToken{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}

// persistingTokenSource wraps the standard refreshing source and writes
// refreshed credentials back to the connection record, so a token refresh
// survives restarts.
type persistingTokenSource struct {
	base   oauth2.TokenSource
	repo   ConnectionRepository
	connID string

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || s.last.AccessToken != tok.AccessToken {
		s.last = tok
		_ = s.repo.Update(context.Background(), s.connID, map[string]interface{}{
			"token": fromOAuth2(tok),
		})
	}
	return tok, nil
}

// TokenSource returns a refresh-aware source for the connection's stored
// credential. Refreshed tokens are persisted transparently.
func TokenSource(oauthCfg *oauth2.Config, repo ConnectionRepository, conn *CalendarConnection) oauth2.TokenSource {
	base := oauthCfg.TokenSource(context.Background(), conn.Token.toOAuth2())
	return &persistingTokenSource{
		base:   base,
		repo:   repo,
		connID: conn.ID.Hex(),
	}
}
