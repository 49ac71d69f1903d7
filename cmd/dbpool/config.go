package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/soldatov-s/dbpool/httpsrv"
	"github.com/soldatov-s/dbpool/log"
	"github.com/soldatov-s/dbpool/provider"
	"github.com/vrischmann/envconfig"
)

type config struct {
	Log   log.Config
	Pool  provider.Config
	Stats httpsrv.Config
}

// loadConfig reads DBPOOL_* variables. Settings passed with --set
// replace the pool part.
func loadConfig(settings []string) (*config, error) {
	cfg := &config{}
	// Unset optional pointers stay nil, so an absent initial size differs
	// from an explicit zero.
	if err := envconfig.InitWithOptions(cfg, envconfig.Options{Prefix: envPrefix, LeaveNil: true}); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}

	if len(settings) == 0 {
		return cfg, nil
	}

	m := make(map[string]string, len(settings))
	for _, s := range settings {
		k, v, ok := strings.Cut(s, "=")
		if !ok {
			return nil, errors.Errorf("setting %q is not key=value", s)
		}
		m[strings.TrimSpace(k)] = v
	}

	poolCfg, err := provider.ParseSettings(m)
	if err != nil {
		return nil, errors.Wrap(err, "parse settings")
	}
	cfg.Pool = *poolCfg

	return cfg, nil
}
