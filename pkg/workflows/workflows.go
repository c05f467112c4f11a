package workflows

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
)

// Transition is one labeled edge out of a state. Empty Roles leaves the
// edge unguarded.
type Transition struct {
	Action string   `yaml:"action" json:"action"`
	Roles  []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Target string   `yaml:"state" json:"state"`
}

// State is one node of the workflow graph. A state with Open=false is
// terminal: tickets entering it close and accept no further transitions.
type State struct {
	Name               string       `yaml:"state" json:"state"`
	Next               []Transition `yaml:"next,omitempty" json:"next,omitempty"`
	Resolutions        []string     `yaml:"resolutions,omitempty" json:"resolutions,omitempty"`
	ResolutionRequired bool         `yaml:"resolution_required,omitempty" json:"resolution_required,omitempty"`
	Open               *bool        `yaml:"open,omitempty" json:"open,omitempty"`
}

// IsOpen reports whether tickets in this state remain open. States default
// to open; terminal states set open: false explicitly.
func (s *State) IsOpen() bool {
	return s.Open == nil || *s.Open
}

// Definition is a parsed workflow graph.
type Definition struct {
	Name         string  `yaml:"name" json:"name"`
	InitialState string  `yaml:"initial_state" json:"initial_state"`
	States       []State `yaml:"states" json:"states"`
}

// Parse decodes and validates a YAML workflow definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, core.NewError(core.CodeInvalidData, "malformed workflow definition").WithCause(err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if len(d.States) == 0 {
		return core.NewError(core.CodeInvalidData, "workflow %q has no states", d.Name)
	}
	names := make(map[string]struct{}, len(d.States))
	for _, s := range d.States {
		if s.Name == "" {
			return core.NewError(core.CodeInvalidData, "workflow %q has an unnamed state", d.Name)
		}
		if _, dup := names[s.Name]; dup {
			return core.NewError(core.CodeInvalidData, "workflow %q declares state %q twice", d.Name, s.Name)
		}
		names[s.Name] = struct{}{}
	}
	if d.InitialState == "" {
		d.InitialState = d.States[0].Name
	}
	if _, ok := names[d.InitialState]; !ok {
		return core.NewError(core.CodeInvalidData, "workflow %q initial state %q is undeclared", d.Name, d.InitialState)
	}
	for _, s := range d.States {
		for _, tr := range s.Next {
			if tr.Action == "" {
				return core.NewError(core.CodeInvalidData, "workflow %q state %q has an unlabeled transition", d.Name, s.Name)
			}
			if _, ok := names[tr.Target]; !ok {
				return core.NewError(core.CodeInvalidData,
					"workflow %q state %q transitions to undeclared state %q", d.Name, s.Name, tr.Target)
			}
		}
	}
	return nil
}

// State looks a state up by name.
func (d *Definition) State(name string) (*State, bool) {
	for i := range d.States {
		if d.States[i].Name == name {
			return &d.States[i], true
		}
	}
	return nil, false
}

// Transite resolves a ticket's next state for an action. A closed ticket is
// rejected before the graph is consulted; an open ticket with no matching
// edge for the caller's roles fails with INVALID_TICKET_STATUS.
func Transite(def *Definition, ticket *model.Ticket, action string, callerRoles []string) (string, error) {
	if !ticket.IsOpen {
		return "", core.NewError(core.CodeTicketAlreadyClosed,
			"ticket %s is already closed", ticket.Shortname)
	}
	state, ok := def.State(ticket.State)
	if !ok {
		return "", core.NewError(core.CodeInvalidTicketStatus,
			"ticket %s is in state %q unknown to workflow %q", ticket.Shortname, ticket.State, def.Name)
	}
	for _, tr := range state.Next {
		if tr.Action != action {
			continue
		}
		if len(tr.Roles) > 0 && !rolesIntersect(tr.Roles, callerRoles) {
			continue
		}
		return tr.Target, nil
	}
	return "", core.NewError(core.CodeInvalidTicketStatus,
		"no transition %q from state %q in workflow %q", action, ticket.State, def.Name)
}

// PostTransite validates the resolution reason against the target state: a
// reason outside the state's allowed set is rejected, and a state that
// requires one rejects its absence.
func PostTransite(def *Definition, newState, resolution string) error {
	state, ok := def.State(newState)
	if !ok {
		return core.NewError(core.CodeInvalidTicketStatus,
			"state %q unknown to workflow %q", newState, def.Name)
	}
	if resolution == "" {
		if state.ResolutionRequired {
			return core.NewError(core.CodeMissingData,
				"state %q requires a resolution reason", newState)
		}
		return nil
	}
	for _, allowed := range state.Resolutions {
		if allowed == resolution {
			return nil
		}
	}
	return core.NewError(core.CodeInvalidData,
		"resolution %q is not allowed for state %q", resolution, newState)
}

// Progress applies one validated transition to the ticket in place: state,
// open flag and resolution reason.
func Progress(def *Definition, ticket *model.Ticket, action string, callerRoles []string, resolution string) error {
	target, err := Transite(def, ticket, action, callerRoles)
	if err != nil {
		return err
	}
	if err := PostTransite(def, target, resolution); err != nil {
		return err
	}
	state, _ := def.State(target)
	ticket.State = target
	ticket.IsOpen = state.IsOpen()
	if resolution != "" {
		ticket.ResolutionReason = resolution
	}
	return nil
}

func rolesIntersect(guard, held []string) bool {
	for _, g := range guard {
		for _, h := range held {
			if g == h {
				return true
			}
		}
	}
	return false
}

// DescribeActions lists the actions available to the given roles from a
// state, used by the ticket read surface.
func DescribeActions(def *Definition, stateName string, callerRoles []string) ([]string, error) {
	state, ok := def.State(stateName)
	if !ok {
		return nil, fmt.Errorf("unknown state %q in workflow %q", stateName, def.Name)
	}
	var actions []string
	for _, tr := range state.Next {
		if len(tr.Roles) == 0 || rolesIntersect(tr.Roles, callerRoles) {
			actions = append(actions, tr.Action)
		}
	}
	return actions, nil
}
