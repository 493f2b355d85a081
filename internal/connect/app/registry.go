package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/repazoo/connect/internal/connect/platform"
)

// appRegistration is one dashboard domain's OAuth app as it appears in the
// apps file. Each dashboard brand runs against its own provider app.
type appRegistration struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
}

// loadRegistry builds the domain -> platform client map from the apps file,
// or from the single-app env vars when no file is configured.
func loadRegistry(cfg Config) (platform.Registry, error) {
	if cfg.AppsFile != "" {
		return loadRegistryFile(cfg.AppsFile)
	}

	if cfg.DashboardDomain == "" || cfg.TwitterClientID == "" ||
		cfg.TwitterClientSecret == "" || cfg.TwitterRedirectURL == "" {
		return nil, errors.New("no app registrations: set CONNECT_APPS_FILE or the CONNECT_DASHBOARD_DOMAIN/CONNECT_TWITTER_* variables")
	}

	return platform.Registry{
		cfg.DashboardDomain: platform.NewTwitterClient(platform.TwitterConfig{
			ClientID:     cfg.TwitterClientID,
			ClientSecret: cfg.TwitterClientSecret,
			RedirectURL:  cfg.TwitterRedirectURL,
			Scopes:       cfg.TwitterScopes,
		}),
	}, nil
}

func loadRegistryFile(path string) (platform.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apps file: %w", err)
	}

	var apps map[string]appRegistration
	if err := json.Unmarshal(data, &apps); err != nil {
		return nil, fmt.Errorf("parse apps file: %w", err)
	}
	if len(apps) == 0 {
		return nil, errors.New("apps file contains no registrations")
	}

	registry := make(platform.Registry, len(apps))
	for domain, reg := range apps {
		if reg.ClientID == "" || reg.ClientSecret == "" || reg.RedirectURL == "" {
			return nil, fmt.Errorf("apps file: registration for %q is missing client_id, client_secret, or redirect_url", domain)
		}
		registry[domain] = platform.NewTwitterClient(platform.TwitterConfig{
			ClientID:     reg.ClientID,
			ClientSecret: reg.ClientSecret,
			RedirectURL:  reg.RedirectURL,
			Scopes:       reg.Scopes,
		})
	}
	return registry, nil
}
