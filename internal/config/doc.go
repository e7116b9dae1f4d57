// Package config loads the TaskSync daemon configuration from a JSON or YAML
// file, overlays environment variables (including the DB_USER / DB_PASS / PORT
// variables used by existing deployments) and fills defaults.
package config
