// Package timeutil provides a small abstraction over the system clock so
// components that make time-based decisions can be tested deterministically.
package timeutil

import "time"

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by the system clock.
func Default() Provider { return realProvider{} }
