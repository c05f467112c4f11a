// Package core defines the error taxonomy shared by every trove component.
//
// Every public operation failure is represented as an *Error carrying an HTTP
// status, a coarse error type and a closed-enumeration internal code that the
// transport layer translates to wire responses. Lower layers wrap causes with
// fmt.Errorf and %w; the orchestrators convert to *Error at the API boundary.
package core
