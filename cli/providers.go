package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agime-team/agentstream/config"
	"github.com/agime-team/agentstream/llmprovider"
	"github.com/agime-team/agentstream/worker"
)

const echoProvider = "echo"

// parseProviderFlags parses repeated --provider-key name=key values.
func parseProviderFlags(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, key, ok := strings.Cut(v, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected name=key, got %q", v)
		}
		out[name] = strings.TrimSpace(key)
	}
	return out, nil
}

// buildRouter creates one runner per configured provider plus the echo
// runner, and routes tasks without a provider to fallback.
func buildRouter(providers map[string]config.Provider, fallback string, echoDelay time.Duration) (*worker.Router, error) {
	runners := map[string]worker.Runner{
		echoProvider: worker.EchoRunner{Delay: echoDelay},
	}

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.EqualFold(name, echoProvider) {
			continue
		}
		p := providers[name]
		runner, err := llmprovider.New(llmprovider.Config{
			Name:   name,
			APIKey: p.APIKey,
			Model:  p.Model,
			System: p.System,
		})
		if err != nil {
			return nil, err
		}
		runners[name] = runner
	}

	if fallback == "" {
		fallback = echoProvider
	}
	return worker.NewRouter(runners, fallback)
}
