package iam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Supported OAuth providers. The set is closed; anything else fails
// before any network call.
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// OAuthProfile is the normalized identity returned by a provider after a
// successful code exchange.
type OAuthProfile struct {
	ProviderUserID string
	Email          string
	FirstName      string
	LastName       string
}

// OAuthExchanger swaps an authorization code for a provider profile.
type OAuthExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (OAuthProfile, error)
}

// GoogleExchanger implements the Google code exchange and userinfo fetch.
type GoogleExchanger struct {
	cfg    oauth2.Config
	client *http.Client
}

// NewGoogleExchanger builds an exchanger for the given OAuth app.
func NewGoogleExchanger(clientID, clientSecret string) *GoogleExchanger {
	return &GoogleExchanger{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.Google,
		},
	}
}

func (e *GoogleExchanger) Exchange(ctx context.Context, code, redirectURI string) (OAuthProfile, error) {
	ctx = httpClientContext(ctx, e.client)
	cfg := e.cfg
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: google token exchange: %v", ErrOAuth, err)
	}

	var info struct {
		ID         string `json:"id"`
		Email      string `json:"email"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
	}
	if err := fetchJSON(ctx, cfg.Client(ctx, tok), "https://www.googleapis.com/oauth2/v2/userinfo", &info); err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: google userinfo: %v", ErrOAuth, err)
	}
	if info.ID == "" {
		return OAuthProfile{}, fmt.Errorf("%w: google userinfo missing subject", ErrOAuth)
	}
	return OAuthProfile{
		ProviderUserID: info.ID,
		Email:          NormalizeEmail(info.Email),
		FirstName:      info.GivenName,
		LastName:       info.FamilyName,
	}, nil
}

// GitHubExchanger implements the GitHub code exchange and profile fetch.
// GitHub may omit the public email, in which case the verified primary
// address from /user/emails is used.
type GitHubExchanger struct {
	cfg    oauth2.Config
	client *http.Client
}

// NewGitHubExchanger builds an exchanger for the given OAuth app.
func NewGitHubExchanger(clientID, clientSecret string) *GitHubExchanger {
	return &GitHubExchanger{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.GitHub,
		},
	}
}

func (e *GitHubExchanger) Exchange(ctx context.Context, code, redirectURI string) (OAuthProfile, error) {
	ctx = httpClientContext(ctx, e.client)
	cfg := e.cfg
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: github token exchange: %v", ErrOAuth, err)
	}
	client := cfg.Client(ctx, tok)

	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := fetchJSON(ctx, client, "https://api.github.com/user", &user); err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: github user: %v", ErrOAuth, err)
	}
	if user.ID == 0 {
		return OAuthProfile{}, fmt.Errorf("%w: github user missing id", ErrOAuth)
	}

	email := user.Email
	if email == "" {
		email, err = e.primaryEmail(ctx, client)
		if err != nil {
			return OAuthProfile{}, err
		}
	}

	first, last := splitName(user.Name, user.Login)
	return OAuthProfile{
		ProviderUserID: strconv.FormatInt(user.ID, 10),
		Email:          NormalizeEmail(email),
		FirstName:      first,
		LastName:       last,
	}, nil
}

func (e *GitHubExchanger) primaryEmail(ctx context.Context, client *http.Client) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := fetchJSON(ctx, client, "https://api.github.com/user/emails", &emails); err != nil {
		return "", fmt.Errorf("%w: github emails: %v", ErrOAuth, err)
	}
	for _, em := range emails {
		if em.Primary && em.Verified {
			return em.Email, nil
		}
	}
	for _, em := range emails {
		if em.Verified {
			return em.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", fmt.Errorf("%w: github account has no email", ErrOAuth)
}

func httpClientContext(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func splitName(name, fallback string) (first, last string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback, ""
	}
	parts := strings.SplitN(name, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
