// Package auth obtains and caches a GitHub OAuth access token for the ghauth
// CLI, using the browser (authorization code) flow or the device flow, and
// optionally requires membership in a GitHub organization.
package auth
