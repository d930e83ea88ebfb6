// Package config loads and validates HomeSync Core configuration.
//
// Values come from three layers, later layers winning:
//   - built-in defaults
//   - a YAML file (path from HOMESYNC_CONFIG)
//   - HOMESYNC_* environment variables
//
// Secrets (JWT secret, MQTT password, InfluxDB token, Redis password) should be
// supplied through the environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/homesync.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.API.Port)
package config
