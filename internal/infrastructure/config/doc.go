// Package config handles loading and validating the shepherd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading a local .env file during development
//   - Overriding with SHEPHERD_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Broker credentials and the JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Shepherd.ID)
package config
