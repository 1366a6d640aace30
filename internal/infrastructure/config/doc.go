// Package config loads and validates the Crestron bridge configuration.
//
// Configuration is read once at start-up from YAML, then overridden by
// CRESTRON_* environment variables. Secrets such as the MQTT password, the
// InfluxDB token and the JWT signing secret belong in the environment rather
// than the file.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, a := range cfg.Crestron.Accessories {
//	    fmt.Println(a.Type, a.ID, a.Name)
//	}
package config
