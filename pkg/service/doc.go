// Package service orchestrates batch entry mutations: access checks,
// validation, persistence, resolver invalidation, hook dispatch and
// notifications. Records fail individually, so one bad record never
// sinks its batch.
package service
