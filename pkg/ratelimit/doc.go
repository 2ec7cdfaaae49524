// Package ratelimit provides per-IP token-bucket rate limiting middleware
// for Gin, used to protect the loopback OAuth callback listener.
package ratelimit
