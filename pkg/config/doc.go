// Package config loads and validates notesync configuration.
//
// # Sources
//
// The effective configuration is assembled in three layers, later layers
// winning:
//
//  1. Defaults from NewConfig
//  2. A YAML file, with ${VAR_NAME} references replaced by environment values
//  3. Environment variables prefixed with NOTESYNC_, where nested keys are
//     joined with underscores (store.dsn becomes NOTESYNC_STORE_DSN)
//
// # Usage
//
//	cfg, err := config.Load("/etc/notesync/config.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Validation failures are returned as errors of type config so the CLI can
// exit with the usage status code.
//
// # Example file
//
//	store:
//	  driver: postgres
//	  dsn: postgres://notes:${NOTES_PASSWORD}@db/notes
//	  country_function: get_country
//	coordinator:
//	  failure_marker_path: /var/lib/notesync/failed.json
//	  work_dir: /var/lib/notesync/work
//	boundaries:
//	  enabled: true
//	gate:
//	  kind: sql
//	  capacity: 4
package config
