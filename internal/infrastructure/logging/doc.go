// Package logging provides the structured logger shared by every HomeSync
// component.
//
// It is a thin layer over log/slog that fixes the output format, the level
// filter and the default attributes (service, version) from LoggingConfig:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Components receive a child logger tagged with their name:
//
//	logger := logging.New(cfg.Logging, version)
//	bridgeLog := logger.Component("bridge")
//	bridgeLog.Warn("delivery failed", "device_id", id, "attempts", n)
//
// Never log JWT secrets, passwords, tickets or MQTT credentials.
package logging
