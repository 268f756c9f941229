// Package config handles loading and validating the lease coordinator
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with DEVLEASE_* environment variables
//   - Validation of required fields and timing relationships
//   - Default value handling
//
// Security Considerations:
//   - The inventory token, MQTT password and JWT secret should be set via
//     environment variables rather than committed to the config file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Inventory.BaseURL)
package config
