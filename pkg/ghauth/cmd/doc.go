// Package cmd implements the cobra command tree for the ghauth CLI: login,
// logout, status, token, configuration and shell completion.
package cmd
