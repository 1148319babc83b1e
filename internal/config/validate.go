package config

import (
	"fmt"
	"strings"
)

// Validate rejects values that cannot mean "use the default". Zero values are
// always valid; negative counts and out-of-range ports are not.
func (c *Config) Validate() error {
	var problems []string

	check := func(name string, v int) {
		if v < 0 {
			problems = append(problems, fmt.Sprintf("%s must not be negative (got %d)", name, v))
		}
	}

	check("engine.startup_timeout_sec", c.Engine.StartupTimeoutSec)
	check("engine.log_lines", c.Engine.LogLines)
	check("server.idle_timeout_min", c.Server.IdleTimeoutMin)
	check("server.client_poll_interval_sec", c.Server.ClientPollIntervalSec)
	check("server.missed_poll_limit", c.Server.MissedPollLimit)
	check("router.spawns_per_minute", c.Router.SpawnsPerMinute)
	check("router.ready_retries", c.Router.ReadyRetries)
	check("router.reap_interval_sec", c.Router.ReapIntervalSec)

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port must be between 0 and 65535 (got %d)", c.Server.Port))
	}
	if (c.Server.SSLCert == "") != (c.Server.SSLKey == "") {
		problems = append(problems, "server.ssl_cert and server.ssl_key must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
