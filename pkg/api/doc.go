// Package api exposes the HTTP ingress of a running governor: halt
// assertions and operational signals in, lease and bead reads out.
package api
