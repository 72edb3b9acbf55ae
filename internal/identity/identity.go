// Package identity turns untrusted third-party credentials into verified profiles.
package identity

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Provider names an external identity provider.
type Provider string

const (
	ProviderGoogle   Provider = "google"
	ProviderFacebook Provider = "facebook"
	ProviderApple    Provider = "apple"
	ProviderNone     Provider = "none"
)

// DefaultProviderTimeout bounds every outbound provider call.
const DefaultProviderTimeout = 10 * time.Second

// ParseProvider normalizes a client-supplied provider name.
func ParseProvider(raw string) (Provider, bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderGoogle:
		return ProviderGoogle, true
	case ProviderFacebook:
		return ProviderFacebook, true
	case ProviderApple:
		return ProviderApple, true
	case ProviderNone:
		return ProviderNone, true
	default:
		return "", false
	}
}

// ExternalIdentity is a verified profile produced for a single login attempt.
type ExternalIdentity struct {
	Provider       Provider
	ProviderUserID string
	Email          string
	DisplayName    string
	GivenName      string
	FamilyName     string
	AvatarURL      string
	EmailVerified  bool
}

func newExternalIdentity(provider Provider, subject string, email string, name string, givenName string, familyName string, picture string, emailVerified bool) ExternalIdentity {
	email = strings.TrimSpace(email)
	displayName := strings.TrimSpace(name)
	if displayName == "" {
		displayName = email
	}
	return ExternalIdentity{
		Provider:       provider,
		ProviderUserID: strings.TrimSpace(subject),
		Email:          email,
		DisplayName:    displayName,
		GivenName:      strings.TrimSpace(givenName),
		FamilyName:     strings.TrimSpace(familyName),
		AvatarURL:      strings.TrimSpace(picture),
		EmailVerified:  emailVerified,
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func boundedContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return context.WithTimeout(parent, timeout)
}
