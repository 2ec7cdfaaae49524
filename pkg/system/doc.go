// Package system holds process-level helpers shared by the ghauth binary,
// currently logger construction.
package system
