/*
Package config loads and validates the Fieldbridge YAML configuration.

Configuration is read once at startup and passed by value into the bridge;
there is no ambient global config. Validation is strict: any violation is a
config-class error and the process refuses to start. Secrets (sink OAuth2
credentials, spool passphrase) are resolved from environment variables named
in the file, never stored in it.
*/
package config
