package broker

import (
	"context"
	"strings"

	"github.com/meridianfx/execgate/errs"
)

// Session is an authenticated context against the broker: everything a
// client needs to issue signed requests for one account.
type Session struct {
	BaseURL   string
	AccountID string
	APIKey    string
}

// Valid reports whether the session carries enough material to authenticate.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.BaseURL) != "" &&
		strings.TrimSpace(s.AccountID) != "" &&
		strings.TrimSpace(s.APIKey) != ""
}

// Authenticator supplies authenticated sessions on demand. Credential
// storage and token refresh live behind this boundary; the gateway treats it
// as a black box returning success or failure.
type Authenticator interface {
	Authenticate(ctx context.Context, accountID string) (Session, error)
}

// StaticAuthenticator issues sessions from fixed credentials. It backs
// deployments where the API key is long-lived and supplied via configuration.
type StaticAuthenticator struct {
	BaseURL string
	APIKey  string
}

// Authenticate returns a session for the requested account.
func (a StaticAuthenticator) Authenticate(_ context.Context, accountID string) (Session, error) {
	session := Session{
		BaseURL:   strings.TrimSpace(a.BaseURL),
		AccountID: strings.TrimSpace(accountID),
		APIKey:    strings.TrimSpace(a.APIKey),
	}
	if !session.Valid() {
		return Session{}, errs.New("broker", errs.CodeAuth,
			errs.WithMessage("incomplete credentials for account "+accountID))
	}
	return session, nil
}
