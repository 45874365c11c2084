// Package endpoint resolves the public address clients use to reach the
// VPN server
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/3scale/ovpn-pki-manager/pkg/config"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-cleanhttp"
)

// ErrResolution is matched by every resolution failure
var ErrResolution = errors.New("resolution failure")

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,62}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,62}[a-zA-Z0-9])?)*$`)

// Endpoint is the reachable server address embedded in client profiles
type Endpoint struct {
	Host  string
	Port  int
	Proto string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Proto, net.JoinHostPort(e.Host, fmt.Sprint(e.Port)))
}

// Resolver returns a reachable endpoint or fails
type Resolver interface {
	Resolve(ctx context.Context) (Endpoint, error)
}

// New builds the resolver selected by cfg.Provider
func New(ctx context.Context, cfg config.EndpointConfig, logger logr.Logger) (Resolver, error) {
	switch cfg.Provider {
	case "static":
		return &Static{Endpoint: Endpoint{Host: cfg.Host, Port: cfg.Port, Proto: cfg.Proto}}, nil
	case "lookup":
		return &Lookup{URL: cfg.LookupURL, Port: cfg.Port, Proto: cfg.Proto, Logger: logger}, nil
	case "ec2":
		return NewEC2(ctx, cfg.EC2InstanceID, cfg.Port, cfg.Proto, logger)
	}
	return nil, fmt.Errorf("unknown endpoint provider %q", cfg.Provider)
}

// Static always returns the configured endpoint
type Static struct {
	Endpoint Endpoint
}

func (s *Static) Resolve(ctx context.Context) (Endpoint, error) {
	if err := validHost(s.Endpoint.Host); err != nil {
		return Endpoint{}, err
	}
	return s.Endpoint, nil
}

// Lookup asks an external "what is my IP" service for the public address
type Lookup struct {
	URL    string
	Port   int
	Proto  string
	Client *http.Client
	Logger logr.Logger
}

func (l *Lookup) Resolve(ctx context.Context) (Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, config.EndpointTimeout)
	defer cancel()

	client := l.Client
	if client == nil {
		client = cleanhttp.DefaultClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	rsp, err := client.Do(req)
	if err != nil {
		l.Logger.Error(err, "public address lookup failed", "url", l.URL)
		return Endpoint{}, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return Endpoint{}, fmt.Errorf("%w: %s returned %s", ErrResolution, l.URL, rsp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(rsp.Body, 256))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrResolution, err)
	}

	host := strings.TrimSpace(string(body))
	if err := validHost(host); err != nil {
		return Endpoint{}, err
	}
	l.Logger.V(1).Info("resolved public address", "host", host)
	return Endpoint{Host: host, Port: l.Port, Proto: l.Proto}, nil
}

func validHost(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrResolution)
	}
	if net.ParseIP(host) != nil || hostnameRegex.MatchString(host) {
		return nil
	}
	return fmt.Errorf("%w: %q is not a valid host", ErrResolution, host)
}
