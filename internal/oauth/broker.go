package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Broker is a fixed-endpoint identity provider used to sign users into the
// bridge itself, as opposed to the per-server flows the Engine runs. It
// uses a preconfigured confidential client and no PKCE; endpoints come from
// configuration, not discovery.
type Broker struct {
	clientID     string
	clientSecret string
	authorizeURL string
	tokenURL     string
	userinfoURL  string
	redirectURI  string
	client       *http.Client
	logger       *zap.SugaredLogger
}

// BrokerConfig carries the broker's fixed endpoints and client credentials.
type BrokerConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	UserinfoURL  string
	RedirectURI  string
}

// ErrBrokerNotConfigured is returned when identity sign-in is requested but
// no broker credentials are configured.
var ErrBrokerNotConfigured = errors.New("identity broker not configured")

// NewBroker creates a broker client. Returns ErrBrokerNotConfigured when
// the client id is missing so callers can degrade to anonymous sessions.
func NewBroker(cfg BrokerConfig, client *http.Client, logger *zap.SugaredLogger) (*Broker, error) {
	if cfg.ClientID == "" {
		return nil, ErrBrokerNotConfigured
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Broker{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		authorizeURL: cfg.AuthorizeURL,
		tokenURL:     cfg.TokenURL,
		userinfoURL:  cfg.UserinfoURL,
		redirectURI:  cfg.RedirectURI,
		client:       client,
		logger:       logger,
	}, nil
}

// AuthorizeURL builds the URL to send the user's browser to.
func (b *Broker) AuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("client_id", b.clientID)
	params.Set("redirect_uri", b.redirectURI)
	params.Set("response_type", "code")
	params.Set("state", state)
	return b.authorizeURL + "?" + params.Encode()
}

// BrokerUser is the identity returned by the broker's userinfo endpoint.
type BrokerUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// DisplayName returns the user's name, falling back to their email.
func (u *BrokerUser) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// Exchange trades a callback code for an access token and resolves the user
// behind it.
func (b *Broker) Exchange(ctx context.Context, code string) (*BrokerUser, *TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", b.clientID)
	form.Set("client_secret", b.clientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", b.redirectURI)
	form.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("broker token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("broker token exchange returned %s", resp.Status)
	}

	var token TokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&token); err != nil {
		return nil, nil, fmt.Errorf("failed to parse broker token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, nil, errors.New("broker returned no access token")
	}

	user, err := b.userinfo(ctx, token.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	return user, &token, nil
}

func (b *Broker) userinfo(ctx context.Context, accessToken string) (*BrokerUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.userinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker userinfo returned %s", resp.Status)
	}

	var user BrokerUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to parse broker userinfo: %w", err)
	}
	if user.ID == "" {
		return nil, errors.New("broker userinfo missing id")
	}
	return &user, nil
}
