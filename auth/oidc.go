package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

const verifierCacheSize = 16

// verifyFunc verifies a raw ID token and returns its email claim.
type verifyFunc func(ctx context.Context, rawIDToken string) (string, error)

// OIDCAuthenticator verifies an OpenID Connect ID token passed as query parameters "id_token"
// and "provider". The email claim is the username.
type OIDCAuthenticator struct {
	providers map[string]config.OIDCConfig
	users     UserStore
	verifiers *lru.Cache
	// builds the verifier of one provider, replaced in tests
	newVerifier func(ctx context.Context, conf config.OIDCConfig) (verifyFunc, error)
	log         hclog.Logger
}

func NewOIDCAuthenticator(configs []config.OIDCConfig, users UserStore, logger hclog.Logger) (*OIDCAuthenticator, error) {
	cache, err := lru.New(verifierCacheSize)
	if err != nil {
		return nil, err
	}
	providers := make(map[string]config.OIDCConfig, len(configs))
	for _, c := range configs {
		providers[c.Name] = c
	}
	return &OIDCAuthenticator{
		providers:   providers,
		users:       users,
		verifiers:   cache,
		newVerifier: providerVerifier,
		log:         globals.Logger(logger, "oidc"),
	}, nil
}

// providerVerifier discovers the provider and returns a verifier for its tokens.
func providerVerifier(ctx context.Context, conf config.OIDCConfig) (verifyFunc, error) {
	provider, err := oidc.NewProvider(ctx, conf.ProviderUrl)
	if err != nil {
		return nil, err
	}
	oidcConf := oidc.Config{}
	if conf.ClientId == "" {
		oidcConf.SkipClientIDCheck = true
	} else {
		oidcConf.ClientID = conf.ClientId
	}
	verifier := provider.Verifier(&oidcConf)
	return func(ctx context.Context, rawIDToken string) (string, error) {
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		claims := struct {
			Email string `json:"email"`
		}{}
		err = idToken.Claims(&claims)
		if err != nil {
			return "", err
		}
		return claims.Email, nil
	}, nil
}

func (a *OIDCAuthenticator) verifier(ctx context.Context, name string) (verifyFunc, error) {
	if v, ok := a.verifiers.Get(name); ok {
		return v.(verifyFunc), nil
	}
	conf, ok := a.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown oidc provider %q: %w", name, types.ErrUnauthorized)
	}
	v, err := a.newVerifier(ctx, conf)
	if err != nil {
		return nil, err
	}
	a.verifiers.Add(name, v)
	return v, nil
}

func (a *OIDCAuthenticator) Authenticate(r *http.Request) (*types.User, error) {
	query := r.URL.Query()
	rawIDToken := query.Get("id_token")
	if rawIDToken == "" {
		return nil, fmt.Errorf("missing id_token: %w", types.ErrUnauthorized)
	}
	ctx := r.Context()
	verify, err := a.verifier(ctx, query.Get("provider"))
	if err != nil {
		return nil, err
	}
	email, err := verify(ctx, rawIDToken)
	if err != nil {
		a.log.Debug("could not verify token", "error", err)
		return nil, fmt.Errorf("%v: %w", err, types.ErrUnauthorized)
	}
	if email == "" {
		return nil, fmt.Errorf("empty e-mail address: %w", types.ErrUnauthorized)
	}
	return getOrCreateUser(ctx, a.users, email, email)
}
