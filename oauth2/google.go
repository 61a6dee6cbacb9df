package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	ap "github.com/panyam/aptitude"
)

const (
	ProviderGoogle             = "google"
	DefaultGoogleUserInfoURL   = "https://www.googleapis.com/oauth2/v2/userinfo"
	googleScopeUserInfoEmail   = "https://www.googleapis.com/auth/userinfo.email"
	googleScopeUserInfoProfile = "https://www.googleapis.com/auth/userinfo.profile"
)

// GoogleOAuth2 implements ap.FederatedAuthenticator with Google sign in.
// Authenticate expects the callback's authorization code on the context (see WithCode).
type GoogleOAuth2 struct {
	*BaseOAuth2
	UserInfoURL string

	// HTTPClient is used for the token exchange and user info calls when set
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func NewGoogleOAuth2(clientId string, clientSecret string, callbackUrl string) *GoogleOAuth2 {
	if clientId == "" {
		clientId = os.Getenv("OAUTH2_GOOGLE_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("OAUTH2_GOOGLE_CLIENT_SECRET")
	}
	if callbackUrl == "" {
		callbackUrl = os.Getenv("OAUTH2_GOOGLE_CALLBACK_URL")
	}
	return &GoogleOAuth2{
		BaseOAuth2:  NewBaseOAuth2(clientId, clientSecret, callbackUrl, google.Endpoint, googleScopeUserInfoEmail, googleScopeUserInfoProfile),
		UserInfoURL: DefaultGoogleUserInfoURL,
		Logger:      slog.Default(),
	}
}

// Authenticate exchanges the authorization code and fetches the user's Google profile
func (g *GoogleOAuth2) Authenticate(ctx context.Context) (*ap.FederatedProfile, error) {
	code, ok := CodeFromContext(ctx)
	if !ok {
		return nil, ap.ErrUnknownProvider.Wrap(errors.New("no authorization code"))
	}
	if g.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.HTTPClient)
	}

	token, err := g.oauthConfig.Exchange(ctx, code)
	if err != nil {
		g.Logger.Warn("code exchange failed", "error", err)
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, ap.ErrInvalidCredential.Wrap(err)
		}
		return nil, ap.ErrUnknownProvider.Wrap(err)
	}

	info, err := g.fetchUserInfo(ctx, token)
	if err != nil {
		g.Logger.Warn("error fetching google user info", "error", err)
		return nil, ap.ErrUnknownProvider.Wrap(err)
	}
	if info.ID == "" {
		return nil, ap.ErrUnknownProvider.Wrap(errors.New("google user info has no id"))
	}
	return &ap.FederatedProfile{
		Provider: ProviderGoogle,
		Subject:  info.ID,
		Email:    info.Email,
		Name:     info.Name,
		Picture:  info.Picture,
	}, nil
}

func (g *GoogleOAuth2) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*googleUserInfo, error) {
	client := g.oauthConfig.Client(ctx, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	response, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed getting user info: %w", err)
	}
	defer response.Body.Close()
	contents, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed read response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info returned %d: %s", response.StatusCode, contents)
	}
	var info googleUserInfo
	if err := json.Unmarshal(contents, &info); err != nil {
		return nil, fmt.Errorf("decoding user info: %w", err)
	}
	return &info, nil
}
