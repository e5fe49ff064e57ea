// Package config provides configuration loading and validation for nodemesh
// nodes.
//
// Configuration is layered: Default values first, then each file added to a
// Loader (JSON or YAML, chosen by extension), then NODEMESH_* environment
// overrides. Only keys present in a layer override earlier values.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/nodemesh/base.yaml")
//	loader.AddLayer("node.json")
//
//	cfg, err := loader.Load()
//	if err != nil {
//	    return err
//	}
//
// Durations accept Go duration strings ("5s", "250ms"), day suffixes ("2d")
// or integer nanoseconds.
//
// Validate reports problems as errors wrapping errors.ErrInvalidConfig. The
// prefix and node ID end up in NATS subjects and must be valid subject
// tokens.
//
// Recognized environment overrides: NODEMESH_NODE_ID, NODEMESH_PREFIX,
// NODEMESH_SERIALIZER, NODEMESH_CIPHER_KEY, NODEMESH_CIPHER_IV,
// NODEMESH_TRANSPORTER, NODEMESH_NATS_URLS (comma separated),
// NODEMESH_NATS_USERNAME, NODEMESH_NATS_PASSWORD, NODEMESH_NATS_TOKEN and
// NODEMESH_METRICS_PORT (also enables metrics).
package config
