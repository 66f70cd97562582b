// Package config loads chatrelay configuration from JSON or YAML files and
// overlays CHATRELAY_* environment variables.
//
// Example:
//
//	cfg, err := config.Load("/etc/chatrelay.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
