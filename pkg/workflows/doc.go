// Package workflows drives ticket state transitions.
//
// A workflow definition is a small state graph authored in YAML and stored
// as a regular entry in the ticket's space. Transitions are labeled with an
// action name and guarded by roles; a closed ticket rejects every transition
// before the graph is even consulted.
package workflows
