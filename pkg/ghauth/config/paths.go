package config

import (
	"os"
	"path/filepath"
)

const (
	defaultConfigDirName  = "ghauth"
	defaultConfigFile     = "config.yaml"
	defaultCredentialFile = "credentials.json"
)

func DefaultConfigPath() string {
	if env := os.Getenv("GHAUTH_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(baseDir(), defaultConfigFile)
}

func DefaultCredentialPath() string {
	return filepath.Join(baseDir(), defaultCredentialFile)
}

func baseDir() string {
	base, err := os.UserConfigDir()
	if err == nil {
		return filepath.Join(base, defaultConfigDirName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ghauth")
}
