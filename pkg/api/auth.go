package api

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-github/github"
	"golang.org/x/oauth2"
)

// ErrUnauthorized is returned when a token does not belong to a member
// of the allowed organization
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator maps a bearer token to the login of its owner
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// GithubAuthenticator accepts GitHub tokens of members of Org
type GithubAuthenticator struct {
	Org string
	// BaseURL overrides the GitHub API endpoint
	BaseURL *url.URL
	// TTL is how long a successful check is cached
	TTL time.Duration

	mu    sync.Mutex
	cache map[[32]byte]cached
}

type cached struct {
	login   string
	expires time.Time
}

func (a *GithubAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	key := sha256.Sum256([]byte(token))
	a.mu.Lock()
	if c, ok := a.cache[key]; ok && time.Now().Before(c.expires) {
		a.mu.Unlock()
		return c.login, nil
	}
	a.mu.Unlock()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if a.BaseURL != nil {
		client.BaseURL = a.BaseURL
	}

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	member, _, err := client.Organizations.IsMember(ctx, a.Org, user.GetLogin())
	if err != nil {
		return "", fmt.Errorf("unable to check membership of %s in %s: %w", user.GetLogin(), a.Org, err)
	}
	if !member {
		return "", fmt.Errorf("%w: %s is not a member of %s", ErrUnauthorized, user.GetLogin(), a.Org)
	}

	ttl := a.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()
	a.mu.Lock()
	if a.cache == nil {
		a.cache = map[[32]byte]cached{}
	}
	for k, c := range a.cache {
		if !now.Before(c.expires) {
			delete(a.cache, k)
		}
	}
	a.cache[key] = cached{login: user.GetLogin(), expires: now.Add(ttl)}
	a.mu.Unlock()
	return user.GetLogin(), nil
}

type actorKey struct{}

// actor returns the login stored by the auth middleware
func actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

func authMiddleware(auth Authenticator, logger logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			login, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				logger.Error(err, "authentication failed", "path", r.URL.Path)
				if errors.Is(err, ErrUnauthorized) {
					writeError(w, http.StatusForbidden, "forbidden")
				} else {
					writeError(w, http.StatusBadGateway, "unable to verify credentials")
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, login)))
		})
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "bearer", "token":
		return strings.TrimSpace(token)
	}
	return ""
}
