package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment overrides carried over from earlier deployments.
const (
	EnvSSEMaxLifetime      = "TEAM_SSE_MAX_LIFETIME_SECS"
	EnvChatCleanupInterval = "TEAM_CHAT_CLEANUP_INTERVAL_SECS"
	EnvChatStaleMaxAge     = "TEAM_CHAT_STALE_MAX_AGE_SECS"
	EnvMissionStale        = "TEAM_MISSION_STALE_SECS"
	EnvSQLitePath          = "AGENTSTREAM_SQLITE_PATH"

	providerEnvPrefix = "AGENTSTREAM_PROVIDER_"
	providerEnvSuffix = "_API_KEY"
)

// ApplyEnv overlays environment overrides onto f. environ has the
// os.Environ() "KEY=value" shape.
func (f *File) ApplyEnv(environ []string) error {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if ok {
			env[key] = value
		}
	}

	if d, ok, err := secondsEnv(env, EnvSSEMaxLifetime); err != nil {
		return err
	} else if ok {
		f.Stream.MaxLifetime = d
	}
	if d, ok, err := secondsEnv(env, EnvChatCleanupInterval); err != nil {
		return err
	} else if ok {
		f.Reaper.Schedule = "@every " + d.String()
	}
	if d, ok, err := secondsEnv(env, EnvChatStaleMaxAge); err != nil {
		return err
	} else if ok {
		f.setMaxAge("chat", d)
	}
	if d, ok, err := secondsEnv(env, EnvMissionStale); err != nil {
		return err
	} else if ok {
		f.setMaxAge("mission", d)
	}
	if v := strings.TrimSpace(env[EnvSQLitePath]); v != "" {
		f.Ledger.SQLitePath = v
	}

	for key, value := range env {
		if !strings.HasPrefix(key, providerEnvPrefix) || !strings.HasSuffix(key, providerEnvSuffix) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, providerEnvPrefix), providerEnvSuffix)
		if name == "" || value == "" {
			continue
		}
		name = strings.ToLower(name)
		if f.Providers == nil {
			f.Providers = make(map[string]Provider)
		}
		p := f.Providers[name]
		p.APIKey = value
		f.Providers[name] = p
	}
	return nil
}

func (f *File) setMaxAge(kind string, d time.Duration) {
	if f.Reaper.MaxAge == nil {
		f.Reaper.MaxAge = make(map[string]time.Duration)
	}
	f.Reaper.MaxAge[kind] = d
}

func secondsEnv(env map[string]string, key string) (time.Duration, bool, error) {
	raw := strings.TrimSpace(env[key])
	if raw == "" {
		return 0, false, nil
	}
	secs, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || secs == 0 {
		return 0, false, fmt.Errorf("%s: want a positive number of seconds, got %q", key, raw)
	}
	return time.Duration(secs) * time.Second, true, nil
}
