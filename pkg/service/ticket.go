package service

import (
	"context"

	"github.com/spacetrove/trove/pkg/access"
	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/storage"
	"github.com/spacetrove/trove/pkg/workflows"
)

// ProgressTicketInput identifies one ticket transition.
type ProgressTicketInput struct {
	Space      string
	Subpath    string
	Shortname  string
	Action     string
	Resolution string
	Actor      string
}

// ProgressTicket advances a ticket through its workflow: closed-ticket and
// edge checks, resolution validation, persistence with a history record,
// and release of the actor's lock if one is held.
func (s *Service) ProgressTicket(ctx context.Context, in ProgressTicketInput) (*model.Ticket, error) {
	ticket, err := s.progressTicket(ctx, in)
	s.metrics.ObserveTicketTransition(err == nil)
	return ticket, err
}

func (s *Service) progressTicket(ctx context.Context, in ProgressTicketInput) (*model.Ticket, error) {
	res, err := s.adapter.Load(ctx, in.Space, in.Subpath, in.Shortname, model.ResourceTypeTicket)
	if err != nil {
		return nil, err
	}
	ticket, ok := res.(*model.Ticket)
	if !ok {
		return nil, core.NewError(core.CodeInvalidData, "%s is not a ticket", in.Shortname)
	}

	if !s.gate.CheckAccess(ctx, access.CheckRequest{
		User:               in.Actor,
		Space:              in.Space,
		Subpath:            in.Subpath,
		ResourceType:       model.ResourceTypeTicket,
		Action:             model.ActionProgressTicket,
		ResourceIsActive:   ticket.IsActive,
		ResourceOwner:      ticket.OwnerShortname,
		ResourceOwnerGroup: ticket.OwnerGroupShortname,
		ACL:                ticket.ACL,
	}) {
		return nil, core.NewError(core.CodeNotAllowed,
			"%s may not progress ticket %s/%s/%s", in.Actor, in.Space, in.Subpath, in.Shortname)
	}

	definition, err := s.workflowDefinition(ctx, in.Space, ticket.WorkflowShortname)
	if err != nil {
		return nil, err
	}

	old, err := storage.FlattenResource(ticket)
	if err != nil {
		return nil, err
	}
	roles := s.resolver.Resolve(ctx, in.Actor).Roles
	if err := workflows.Progress(definition, ticket, in.Action, roles, in.Resolution); err != nil {
		return nil, err
	}
	flat, err := storage.FlattenResource(ticket)
	if err != nil {
		return nil, err
	}

	if _, err := s.adapter.Update(ctx, storage.UpdateInput{
		Space:    in.Space,
		Subpath:  in.Subpath,
		Resource: ticket,
		Old:      old,
		New:      flat,
		Changed:  []string{"state", "is_open", "resolution_reason"},
		Caller:   in.Actor,
		// Progressing while holding the edit lock releases it on success.
		RetrieveLockStatus: true,
	}); err != nil {
		return nil, err
	}
	return ticket, nil
}

// TicketActions lists the transitions the actor's roles can take from the
// ticket's current state.
func (s *Service) TicketActions(ctx context.Context, space, subpath, shortname, actor string) ([]string, error) {
	res, err := s.adapter.Load(ctx, space, subpath, shortname, model.ResourceTypeTicket)
	if err != nil {
		return nil, err
	}
	ticket, ok := res.(*model.Ticket)
	if !ok {
		return nil, core.NewError(core.CodeInvalidData, "%s is not a ticket", shortname)
	}
	definition, err := s.workflowDefinition(ctx, space, ticket.WorkflowShortname)
	if err != nil {
		return nil, err
	}
	roles := s.resolver.Resolve(ctx, actor).Roles
	return workflows.DescribeActions(definition, ticket.State, roles)
}

// workflowDefinition loads and parses a workflow entry's payload body.
func (s *Service) workflowDefinition(ctx context.Context, space, shortname string) (*workflows.Definition, error) {
	if shortname == "" {
		return nil, core.NewError(core.CodeMissingData, "ticket has no workflow")
	}
	res, err := s.adapter.Load(ctx, space, SubpathWorkflows, shortname, model.ResourceTypeContent)
	if err != nil {
		return nil, err
	}
	payload := res.Base().Payload
	if payload == nil || len(payload.Body) == 0 {
		return nil, core.NewError(core.CodeInvalidData, "workflow %s has an empty definition", shortname)
	}
	return workflows.Parse(payload.Body)
}
