// Package config loads ghauth settings from GHAUTH_* environment variables
// and an optional YAML file, and converts them into the auth package's
// OAuthConfig.
package config
