package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/shopauth/internal/autherr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleUserInfoURL is the OpenID Connect user-info endpoint used after a code exchange.
const GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

const maxUserInfoBytes = 1 << 20

var (
	errMissingClientID     = errors.New("identity.code_exchange.missing_client_id")
	errMissingClientSecret = errors.New("identity.code_exchange.missing_client_secret")
	errMissingRedirectURL  = errors.New("identity.code_exchange.missing_redirect_url")
)

// CodeExchangeConfig configures the authorization-code flow against one provider.
type CodeExchangeConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint defaults to Google's authorization and token endpoints.
	Endpoint    oauth2.Endpoint
	UserInfoURL string
	Scopes      []string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// CodeExchanger redeems authorization codes and fetches the resulting profile.
type CodeExchanger struct {
	oauthConfig *oauth2.Config
	userInfoURL string
	timeout     time.Duration
	httpClient  *http.Client
}

// NewCodeExchanger validates the configuration and constructs a Google code exchanger.
func NewCodeExchanger(configuration CodeExchangeConfig) (*CodeExchanger, error) {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, errMissingClientID
	}
	if strings.TrimSpace(configuration.ClientSecret) == "" {
		return nil, errMissingClientSecret
	}
	if strings.TrimSpace(configuration.RedirectURL) == "" {
		return nil, errMissingRedirectURL
	}
	endpoint := configuration.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	userInfoURL := configuration.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = GoogleUserInfoURL
	}
	scopes := configuration.Scopes
	if len(scopes) == 0 {
		scopes = []string{"profile", "email"}
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &CodeExchanger{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		userInfoURL: userInfoURL,
		timeout:     timeout,
		httpClient:  httpClient,
	}, nil
}

// AuthCodeURL returns the provider consent URL carrying the given state.
func (exchanger *CodeExchanger) AuthCodeURL(state string) string {
	return exchanger.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange redeems a single-use authorization code and returns the verified profile.
func (exchanger *CodeExchanger) Exchange(ctx context.Context, code string) (ExternalIdentity, error) {
	if strings.TrimSpace(code) == "" {
		return ExternalIdentity{}, autherr.MissingParameter("code")
	}

	accessToken, exchangeErr := exchanger.redeem(ctx, code)
	if exchangeErr != nil {
		return ExternalIdentity{}, exchangeErr
	}

	profile, fetchErr := exchanger.fetchProfile(ctx, accessToken)
	if fetchErr != nil {
		return ExternalIdentity{}, fetchErr
	}

	subject := profile.Subject
	if subject == "" {
		subject = profile.LegacyID
	}
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(profile.Email) == "" {
		return ExternalIdentity{}, autherr.New(autherr.CodeIncompleteProfile, "provider profile is missing subject or email")
	}
	emailVerified := profile.EmailVerified || profile.LegacyVerifiedEmail
	return newExternalIdentity(ProviderGoogle, subject, profile.Email, profile.Name, profile.GivenName, profile.FamilyName, profile.Picture, emailVerified), nil
}

func (exchanger *CodeExchanger) redeem(ctx context.Context, code string) (*oauth2.Token, error) {
	boundCtx, cancel := boundedContext(ctx, exchanger.timeout)
	defer cancel()
	boundCtx = context.WithValue(boundCtx, oauth2.HTTPClient, exchanger.httpClient)

	token, err := exchanger.oauthConfig.Exchange(boundCtx, code)
	if err != nil {
		if isTimeout(boundCtx, err) {
			return nil, autherr.ProviderTimeout("token_exchange", err)
		}
		return nil, autherr.Wrap(autherr.CodeTokenExchange, "authorization code was rejected by the provider", err)
	}
	if token == nil || strings.TrimSpace(token.AccessToken) == "" {
		return nil, autherr.New(autherr.CodeTokenExchange, "provider response did not include an access token")
	}
	return token, nil
}

type userInfoResponse struct {
	Subject             string `json:"sub"`
	LegacyID            string `json:"id"`
	Email               string `json:"email"`
	EmailVerified       bool   `json:"email_verified"`
	LegacyVerifiedEmail bool   `json:"verified_email"`
	Name                string `json:"name"`
	GivenName           string `json:"given_name"`
	FamilyName          string `json:"family_name"`
	Picture             string `json:"picture"`
}

func (exchanger *CodeExchanger) fetchProfile(ctx context.Context, token *oauth2.Token) (userInfoResponse, error) {
	boundCtx, cancel := boundedContext(ctx, exchanger.timeout)
	defer cancel()

	request, requestErr := http.NewRequestWithContext(boundCtx, http.MethodGet, exchanger.userInfoURL, http.NoBody)
	if requestErr != nil {
		return userInfoResponse{}, autherr.Internal(fmt.Errorf("identity.userinfo.request: %w", requestErr))
	}
	token.SetAuthHeader(request)
	request.Header.Set("Accept", "application/json")

	response, doErr := exchanger.httpClient.Do(request)
	if doErr != nil {
		if isTimeout(boundCtx, doErr) {
			return userInfoResponse{}, autherr.ProviderTimeout("profile_fetch", doErr)
		}
		return userInfoResponse{}, autherr.Wrap(autherr.CodeProfileFetch, "failed to fetch the provider profile", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxUserInfoBytes))
		return userInfoResponse{}, autherr.Wrap(autherr.CodeProfileFetch, "failed to fetch the provider profile",
			fmt.Errorf("identity.userinfo.status: %d", response.StatusCode))
	}

	var profile userInfoResponse
	if decodeErr := json.NewDecoder(io.LimitReader(response.Body, maxUserInfoBytes)).Decode(&profile); decodeErr != nil {
		if isTimeout(boundCtx, decodeErr) {
			return userInfoResponse{}, autherr.ProviderTimeout("profile_fetch", decodeErr)
		}
		return userInfoResponse{}, autherr.Wrap(autherr.CodeProfileFetch, "provider profile could not be decoded", decodeErr)
	}
	return profile, nil
}
