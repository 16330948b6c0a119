// Package platform ships the built-in platform publisher implementations
// and builds a registry from configuration.
//
// The engine itself only depends on the publish.Publisher capability; these
// are the reference implementations a deployment wires in.
package platform

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// Config declares one configured platform target.
type Config struct {
	// Type selects the implementation: "webhook" or "telegram".
	Type string
	// Name is the platform identifier posts reference in Content.Platforms.
	Name string

	// URL is the webhook endpoint (webhook only).
	URL string

	// TokenEnv names an environment variable holding the credential.
	// Token is used directly when set; TokenEnv wins if both are present.
	TokenEnv string
	Token    string

	// ChatID is the target chat or channel (telegram only).
	ChatID int64
}

func (c Config) token() string {
	if c.TokenEnv != "" {
		if v := os.Getenv(c.TokenEnv); v != "" {
			return v
		}
	}
	return c.Token
}

type registry struct {
	pubs map[string]publish.Publisher
}

func (r *registry) Publisher(platform string) (publish.Publisher, bool) {
	p, ok := r.pubs[strings.ToLower(platform)]
	return p, ok
}

// Build constructs publishers for every configured platform.
// Duplicate names and unknown types are configuration errors.
func Build(cfgs []Config, log logx.Logger) (publish.Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	pubs := map[string]publish.Publisher{}
	for _, c := range cfgs {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			return nil, errors.New("platform name is required")
		}
		if _, dup := pubs[name]; dup {
			return nil, fmt.Errorf("duplicate platform %q", name)
		}

		var (
			pub publish.Publisher
			err error
		)
		switch strings.ToLower(strings.TrimSpace(c.Type)) {
		case "webhook":
			pub, err = newWebhook(c, log.With(logx.String("platform", name)))
		case "telegram":
			pub, err = newTelegram(c, log.With(logx.String("platform", name)))
		default:
			err = fmt.Errorf("unknown platform type %q", c.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("platform %q: %w", name, err)
		}
		pubs[name] = pub
	}
	return &registry{pubs: pubs}, nil
}
