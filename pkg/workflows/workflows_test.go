package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
)

const ticketWorkflow = `
name: support
initial_state: pending
states:
  - state: pending
    next:
      - action: assign
        roles: [support_agent]
        state: in_progress
      - action: cancel
        state: cancelled
  - state: in_progress
    next:
      - action: resolve
        roles: [support_agent, supervisor]
        state: resolved
      - action: escalate
        roles: [support_agent]
        state: pending
  - state: resolved
    open: false
    resolution_required: true
    resolutions: [fixed, duplicate, wont_fix]
  - state: cancelled
    open: false
`

func parseFixture(t *testing.T) *Definition {
	t.Helper()
	def, err := Parse([]byte(ticketWorkflow))
	require.NoError(t, err)
	return def
}

func openTicket(state string) *model.Ticket {
	return &model.Ticket{
		Meta:   model.Meta{Shortname: "t1", IsActive: true},
		State:  state,
		IsOpen: true,
	}
}

func TestParse(t *testing.T) {
	def := parseFixture(t)
	assert.Equal(t, "support", def.Name)
	assert.Equal(t, "pending", def.InitialState)
	require.Len(t, def.States, 4)

	resolved, ok := def.State("resolved")
	require.True(t, ok)
	assert.False(t, resolved.IsOpen())
	assert.True(t, resolved.ResolutionRequired)
}

func TestParseRejectsBrokenGraphs(t *testing.T) {
	cases := map[string]string{
		"no states":        "name: empty\nstates: []\n",
		"dangling target":  "name: w\nstates:\n  - state: a\n    next:\n      - action: go\n        state: missing\n",
		"duplicate state":  "name: w\nstates:\n  - state: a\n  - state: a\n",
		"unknown initial":  "name: w\ninitial_state: nope\nstates:\n  - state: a\n",
		"unlabeled edge":   "name: w\nstates:\n  - state: a\n    next:\n      - state: a\n",
		"not yaml at all":  "{{{",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, core.IsCode(err, core.CodeInvalidData))
		})
	}
}

func TestTransite(t *testing.T) {
	def := parseFixture(t)

	t.Run("guarded edge with matching role", func(t *testing.T) {
		target, err := Transite(def, openTicket("pending"), "assign", []string{"support_agent"})
		require.NoError(t, err)
		assert.Equal(t, "in_progress", target)
	})

	t.Run("guarded edge without role", func(t *testing.T) {
		_, err := Transite(def, openTicket("pending"), "assign", []string{"logged_in"})
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeInvalidTicketStatus))
	})

	t.Run("unguarded edge open to anyone", func(t *testing.T) {
		target, err := Transite(def, openTicket("pending"), "cancel", nil)
		require.NoError(t, err)
		assert.Equal(t, "cancelled", target)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := Transite(def, openTicket("pending"), "teleport", []string{"support_agent"})
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeInvalidTicketStatus))
	})

	t.Run("unknown current state", func(t *testing.T) {
		_, err := Transite(def, openTicket("limbo"), "assign", []string{"support_agent"})
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeInvalidTicketStatus))
	})
}

// A closed ticket is rejected before the graph is consulted, even for
// transitions that would otherwise match.
func TestTransiteClosedTicket(t *testing.T) {
	def := parseFixture(t)
	ticket := openTicket("pending")
	ticket.IsOpen = false

	_, err := Transite(def, ticket, "assign", []string{"support_agent"})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeTicketAlreadyClosed))
}

func TestPostTransite(t *testing.T) {
	def := parseFixture(t)

	assert.NoError(t, PostTransite(def, "resolved", "fixed"))
	assert.NoError(t, PostTransite(def, "in_progress", ""))

	err := PostTransite(def, "resolved", "")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeMissingData))

	err = PostTransite(def, "resolved", "mystery")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeInvalidData))

	err = PostTransite(def, "in_progress", "fixed")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeInvalidData))
}

func TestProgress(t *testing.T) {
	def := parseFixture(t)

	ticket := openTicket("in_progress")
	require.NoError(t, Progress(def, ticket, "resolve", []string{"supervisor"}, "fixed"))
	assert.Equal(t, "resolved", ticket.State)
	assert.False(t, ticket.IsOpen)
	assert.Equal(t, "fixed", ticket.ResolutionReason)

	// Terminal tickets reject further progression.
	err := Progress(def, ticket, "escalate", []string{"support_agent"}, "")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeTicketAlreadyClosed))
}

func TestDescribeActions(t *testing.T) {
	def := parseFixture(t)

	actions, err := DescribeActions(def, "pending", []string{"support_agent"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"assign", "cancel"}, actions)

	actions, err = DescribeActions(def, "pending", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cancel"}, actions)
}
