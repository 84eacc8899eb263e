package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

// An Authenticator maps a websocket upgrade request to a user. It returns an error wrapping
// types.ErrUnauthorized if the request carries no valid credentials.
type Authenticator interface {
	Authenticate(r *http.Request) (*types.User, error)
}

// UserStore is the part of the persister the authenticators need.
type UserStore interface {
	GetUserByName(ctx context.Context, username string) (*types.User, error)
	StoreUser(ctx context.Context, user *types.User) error
}

// Chain tries its authenticators in order and returns the first user found.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (*types.User, error) {
	for _, a := range c {
		user, err := a.Authenticate(r)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, types.ErrUnauthorized) {
			return nil, err
		}
	}
	return nil, types.ErrUnauthorized
}

// New builds the authenticators enabled in cfg. Without any, every request is unauthorized.
func New(cfg *config.Config, store UserStore, logger hclog.Logger) (Authenticator, error) {
	logger = globals.Logger(logger, "auth")
	chain := Chain{}
	if cfg.AuthConfig.TrustedHeader != "" {
		logger.Info("trusting proxy header", "header", cfg.AuthConfig.TrustedHeader)
		chain = append(chain, NewTrustedHeaderAuthenticator(cfg.AuthConfig.TrustedHeader, store))
	}
	if len(cfg.OIDCConfigs) > 0 {
		a, err := NewOIDCAuthenticator(cfg.OIDCConfigs, store, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
	}
	if len(chain) == 0 {
		logger.Warn("no authentication configured, all connections will be rejected")
	}
	return chain, nil
}

// TrustedHeaderAuthenticator takes the username from a header set by an authenticating reverse
// proxy. Unknown users are created.
type TrustedHeaderAuthenticator struct {
	header string
	users  UserStore
}

func NewTrustedHeaderAuthenticator(header string, users UserStore) *TrustedHeaderAuthenticator {
	return &TrustedHeaderAuthenticator{header: header, users: users}
}

func (a *TrustedHeaderAuthenticator) Authenticate(r *http.Request) (*types.User, error) {
	username := strings.TrimSpace(r.Header.Get(a.header))
	if username == "" {
		return nil, fmt.Errorf("missing header %s: %w", a.header, types.ErrUnauthorized)
	}
	email := ""
	if strings.Contains(username, "@") {
		email = username
	}
	return getOrCreateUser(r.Context(), a.users, username, email)
}

func getOrCreateUser(ctx context.Context, users UserStore, username, email string) (*types.User, error) {
	user, err := users.GetUserByName(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	user = &types.User{Username: username, Email: email}
	err = users.StoreUser(ctx, user)
	if err != nil {
		// lost a race against another connection of the same user
		if existing, getErr := users.GetUserByName(ctx, username); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	globals.AppLogger.Info("created user", "username", username)
	return user, nil
}
