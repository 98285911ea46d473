// Package config holds the YAML configuration for the three process
// roles: master, spawner and game server. Each role has a defaults
// constructor and a Validate method; Load layers a YAML file over the
// defaults and rejects unknown keys.
package config
