// Package applog centralizes the [tag]-prefixed log lines used across SHARE
// components (teacher's convention: log.Printf("[component] ..."), e.g.
// internal/geoip, internal/requestlog, internal/probe).
package applog

import "log"

// Component tags, one per SHARE subsystem.
const (
	TagEngine     = "engine"
	TagUpstream   = "upstream"
	TagDownstream = "downstream"
	TagStore      = "store"
	TagAPI        = "api"
	TagFormula    = "formula"
	TagBootstrap  = "bootstrap"
)

// Infof logs an informational line tagged with component.
func Infof(component, format string, args ...any) {
	log.Printf("["+component+"] "+format, args...)
}

// Warnf logs a warning line tagged with component.
func Warnf(component, format string, args ...any) {
	log.Printf("["+component+"] warning: "+format, args...)
}

// Errorf logs an error line tagged with component.
func Errorf(component, format string, args ...any) {
	log.Printf("["+component+"] error: "+format, args...)
}
