package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spacetrove/trove/pkg/access"
	"github.com/spacetrove/trove/pkg/async"
	"github.com/spacetrove/trove/pkg/auth"
	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/locks"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/storage"
	"github.com/spacetrove/trove/pkg/validation"
)

// SubpathSchemas is the per-space subpath holding schema entries.
const SubpathSchemas = "schema"

// SubpathWorkflows is the per-space subpath holding workflow definitions.
const SubpathWorkflows = "workflows"

// Options wires a Service.
type Options struct {
	Adapter  storage.Adapter
	Gate     *access.Gate
	Resolver *access.Resolver
	Locks    *locks.Service

	// Hooks and Notifier default to the logging implementations.
	Hooks    Dispatcher
	Notifier Notifier

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Concurrency bounds batch fan-out; defaults to 8.
	Concurrency int

	// BcryptCost applies when hashing plaintext user passwords; <= 0 uses
	// the bcrypt default.
	BcryptCost int
}

// Service executes batch mutations with per-record isolation.
type Service struct {
	adapter     storage.Adapter
	gate        *access.Gate
	resolver    *access.Resolver
	locks       *locks.Service
	validator   *validation.Validator
	hooks       Dispatcher
	notifier    Notifier
	logger      *observability.Logger
	metrics     *observability.Metrics
	concurrency int
	bcryptCost  int
}

// New creates a service. Adapter, Gate and Resolver are required.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if opts.Hooks == nil {
		opts.Hooks = &LoggingDispatcher{Logger: opts.Logger}
	}
	if opts.Notifier == nil {
		opts.Notifier = &LogNotifier{Logger: opts.Logger}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Service{
		adapter:     opts.Adapter,
		gate:        opts.Gate,
		resolver:    opts.Resolver,
		locks:       opts.Locks,
		validator:   validation.NewValidator(&adapterSchemaSource{adapter: opts.Adapter}),
		hooks:       opts.Hooks,
		notifier:    opts.Notifier,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		concurrency: opts.Concurrency,
		bcryptCost:  opts.BcryptCost,
	}
}

// adapterSchemaSource resolves schema documents from schema entries stored
// in the target space.
type adapterSchemaSource struct {
	adapter storage.Adapter
}

func (s *adapterSchemaSource) SchemaDocument(ctx context.Context, space, shortname string) ([]byte, error) {
	res, err := s.adapter.Load(ctx, space, SubpathSchemas, shortname, model.ResourceTypeSchema)
	if err != nil {
		return nil, err
	}
	payload := res.Base().Payload
	if payload == nil {
		return nil, core.NewError(core.CodeInvalidData, "schema %s has no payload", shortname)
	}
	if len(payload.Body) > 0 {
		return payload.Body, nil
	}
	if name := payload.BlobName(); name != "" {
		return s.adapter.LoadPayloadBlob(ctx, space, SubpathSchemas, shortname, name)
	}
	return nil, core.NewError(core.CodeInvalidData, "schema %s has an empty body", shortname)
}

// Execute runs one batch. Records are processed concurrently; a failing
// record lands in Failed with its error code while the rest proceed.
func (s *Service) Execute(ctx context.Context, req Request) Response {
	var (
		mu       sync.Mutex
		response Response
	)
	g := &errgroup.Group{}
	g.SetLimit(s.concurrency)

	for i := range req.Records {
		record := req.Records[i]
		g.Go(func() error {
			result, err := s.processRecord(ctx, req, record)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				response.Failed = append(response.Failed, Failure{
					Shortname: record.Shortname,
					Subpath:   record.Subpath,
					Code:      failureCode(err),
					Message:   err.Error(),
				})
				return nil
			}
			response.Success = append(response.Success, result)
			return nil
		})
	}
	g.Wait()
	return response
}

func failureCode(err error) core.Code {
	if code := core.CodeOf(err); code != "" {
		return code
	}
	return core.CodeProviderFailure
}

func (s *Service) processRecord(ctx context.Context, req Request, rec model.Record) (model.Record, error) {
	event := Event{
		Actor:        req.Actor,
		Action:       req.Type,
		Space:        req.Space,
		Subpath:      rec.Subpath,
		Shortname:    rec.Shortname,
		ResourceType: rec.ResourceType,
	}
	if err := s.hooks.Before(ctx, event); err != nil {
		s.logger.WithError(err).Warn("before hook failed")
	}

	var (
		result model.Record
		err    error
	)
	switch req.Type {
	case RequestCreate:
		result, err = s.create(ctx, req, rec)
	case RequestUpdate:
		result, err = s.update(ctx, req, rec, false)
	case RequestPatch:
		result, err = s.update(ctx, req, rec, true)
	case RequestAssign:
		result, err = s.assign(ctx, req, rec)
	case RequestUpdateACL:
		result, err = s.updateACL(ctx, req, rec)
	case RequestDelete:
		result, err = s.delete(ctx, req, rec)
	case RequestMove:
		result, err = s.move(ctx, req, rec)
	default:
		return model.Record{}, core.NewError(core.CodeInvalidData, "unknown request type %q", req.Type)
	}
	if err != nil {
		return model.Record{}, err
	}

	s.afterMutation(ctx, req, rec, result, event)
	return result, nil
}

func (s *Service) afterMutation(ctx context.Context, req Request, rec model.Record, result model.Record, event Event) {
	if owner, ok := result.Attributes["owner_shortname"].(string); ok {
		event.Owner = owner
	}
	s.invalidateCaches(req, rec)
	if err := s.hooks.After(ctx, event); err != nil {
		s.logger.WithError(err).Warn("after hook failed")
	}
	async.SafeGo(context.Background(), 30*time.Second, "notify", s.logger, func(ctx context.Context) error {
		return s.notifier.Notify(ctx, event)
	})
}

// invalidateCaches drops derived state that a mutation may have staled:
// resolved permissions for management-space writes, compiled schemas for
// schema writes.
func (s *Service) invalidateCaches(req Request, rec model.Record) {
	if rec.ResourceType == model.ResourceTypeSchema {
		s.validator.Invalidate(req.Space, rec.Shortname)
	}
	if req.Space != access.ManagementSpace {
		return
	}
	switch rec.ResourceType {
	case model.ResourceTypeUser:
		s.resolver.Invalidate(rec.Shortname)
	case model.ResourceTypeRole, model.ResourceTypeGroup, model.ResourceTypePermission:
		s.resolver.InvalidateAll()
	}
}

func (s *Service) create(ctx context.Context, req Request, rec model.Record) (model.Record, error) {
	if rec.ResourceType == model.ResourceTypeSpace {
		if err := validation.ValidateSpaceName(rec.Shortname); err != nil {
			return model.Record{}, err
		}
	} else if err := validation.ValidateShortname(rec.Shortname); err != nil {
		return model.Record{}, err
	}

	res, err := rec.ToResource()
	if err != nil {
		return model.Record{}, core.NewError(core.CodeInvalidData, "malformed record %s", rec.Shortname).WithCause(err)
	}
	meta := res.Base()
	if meta.OwnerShortname == "" {
		meta.OwnerShortname = req.Actor
	}
	if err := s.hashCredentials(res); err != nil {
		return model.Record{}, err
	}

	if !s.gate.CheckAccess(ctx, access.CheckRequest{
		User:             req.Actor,
		Space:            req.Space,
		Subpath:          rec.Subpath,
		ResourceType:     rec.ResourceType,
		Action:           model.ActionCreate,
		ResourceIsActive: meta.IsActive,
		ResourceOwner:    meta.OwnerShortname,
		Record:           &rec,
	}) {
		return model.Record{}, core.NewError(core.CodeNotAllowed,
			"%s may not create %s/%s/%s", req.Actor, req.Space, rec.Subpath, rec.Shortname)
	}

	if err := s.validator.ValidatePayload(ctx, req.Space, meta.Payload); err != nil {
		return model.Record{}, err
	}
	if err := storage.ValidateUniqueness(ctx, s.adapter, req.Space, rec, ""); err != nil {
		return model.Record{}, err
	}
	if err := s.adapter.Create(ctx, req.Space, rec.Subpath, res); err != nil {
		return model.Record{}, err
	}
	return model.ToRecord(res, rec.Subpath)
}

func (s *Service) update(ctx context.Context, req Request, rec model.Record, merge bool) (model.Record, error) {
	existing, err := s.adapter.Load(ctx, req.Space, rec.Subpath, rec.Shortname, rec.ResourceType)
	if err != nil {
		return model.Record{}, err
	}
	existingMeta := existing.Base()

	if !s.gate.CheckAccess(ctx, access.CheckRequest{
		User:               req.Actor,
		Space:              req.Space,
		Subpath:            rec.Subpath,
		ResourceType:       rec.ResourceType,
		Action:             model.ActionUpdate,
		ResourceIsActive:   existingMeta.IsActive,
		ResourceOwner:      existingMeta.OwnerShortname,
		ResourceOwnerGroup: existingMeta.OwnerGroupShortname,
		ACL:                existingMeta.ACL,
		Record:             &rec,
	}) {
		return model.Record{}, core.NewError(core.CodeNotAllowed,
			"%s may not update %s/%s/%s", req.Actor, req.Space, rec.Subpath, rec.Shortname)
	}

	next := rec
	var changed []string
	if merge {
		existingRec, err := model.ToRecord(existing, rec.Subpath)
		if err != nil {
			return model.Record{}, err
		}
		for key := range storage.Flatten(rec.Attributes) {
			changed = append(changed, key)
		}
		next = existingRec
		mergeAttributes(next.Attributes, rec.Attributes)
	}

	updated, err := next.ToResource()
	if err != nil {
		return model.Record{}, core.NewError(core.CodeInvalidData, "malformed record %s", rec.Shortname).WithCause(err)
	}
	updatedMeta := updated.Base()
	updatedMeta.UUID = existingMeta.UUID
	updatedMeta.CreatedAt = existingMeta.CreatedAt
	if updatedMeta.OwnerShortname == "" {
		updatedMeta.OwnerShortname = existingMeta.OwnerShortname
	}
	if err := s.hashCredentials(updated); err != nil {
		return model.Record{}, err
	}

	if err := s.validator.ValidatePayload(ctx, req.Space, updatedMeta.Payload); err != nil {
		return model.Record{}, err
	}
	if err := storage.ValidateUniqueness(ctx, s.adapter, req.Space, next, rec.Shortname); err != nil {
		return model.Record{}, err
	}

	old, err := storage.FlattenResource(existing)
	if err != nil {
		return model.Record{}, err
	}
	flat, err := storage.FlattenResource(updated)
	if err != nil {
		return model.Record{}, err
	}
	if _, err := s.adapter.Update(ctx, storage.UpdateInput{
		Space:               req.Space,
		Subpath:             rec.Subpath,
		Resource:            updated,
		Old:                 old,
		New:                 flat,
		Changed:             changed,
		Caller:              req.Actor,
		RetrieveLockStatus:  true,
		LastHistoryChecksum: expectedChecksum(rec),
		RequestHeaders:      req.RequestHeaders,
	}); err != nil {
		return model.Record{}, err
	}
	return model.ToRecord(updated, rec.Subpath)
}

// hashCredentials replaces a plaintext password on a user resource with its
// bcrypt hash so plaintext never reaches storage. Already-hashed values
// pass through untouched.
func (s *Service) hashCredentials(res model.Resource) error {
	user, ok := res.(*model.User)
	if !ok || user.Password == "" || auth.IsHashedPassword(user.Password) {
		return nil
	}
	hash, err := auth.HashPassword(user.Password, s.bcryptCost)
	if err != nil {
		return core.NewError(core.CodeInvalidData, "unusable password for %s", user.Shortname).WithCause(err)
	}
	user.Password = hash
	return nil
}

// expectedChecksum reads the caller's optional optimistic-concurrency
// expectation off the record.
func expectedChecksum(rec model.Record) string {
	if v, ok := rec.Attributes["last_history_checksum"].(string); ok {
		return v
	}
	return ""
}

func mergeAttributes(dst, src model.JSON) {
	for key, value := range src {
		if key == "last_history_checksum" {
			continue
		}
		srcMap, srcIsMap := value.(map[string]interface{})
		dstMap, dstIsMap := dst[key].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeAttributes(dstMap, srcMap)
			continue
		}
		if value == nil {
			delete(dst, key)
			continue
		}
		dst[key] = value
	}
}

func (s *Service) assign(ctx context.Context, req Request, rec model.Record) (model.Record, error) {
	existing, err := s.adapter.Load(ctx, req.Space, rec.Subpath, rec.Shortname, rec.ResourceType)
	if err != nil {
		return model.Record{}, err
	}
	meta := existing.Base()

	if !s.gate.CheckAccess(ctx, access.CheckRequest{
		User:               req.Actor,
		Space:              req.Space,
		Subpath:            rec.Subpath,
		ResourceType:       rec.ResourceType,
		Action:             model.ActionAssign,
		ResourceIsActive:   meta.IsActive,
		ResourceOwner:      meta.OwnerShortname,
		ResourceOwnerGroup: meta.OwnerGroupShortname,
		ACL:                meta.ACL,
		Record:             &rec,
	}) {
		return model.Record{}, core.NewError(core.CodeNotAllowed,
			"%s may not assign %s/%s/%s", req.Actor, req.Space, rec.Subpath, rec.Shortname)
	}

	owner, _ := rec.Attributes["owner_shortname"].(string)
	ownerGroup, _ := rec.Attributes["owner_group_shortname"].(string)
	if owner == "" && ownerGroup == "" {
		return model.Record{}, core.NewError(core.CodeMissingData,
			"assign requires owner_shortname or owner_group_shortname")
	}

	old, err := storage.FlattenResource(existing)
	if err != nil {
		return model.Record{}, err
	}
	var changed []string
	if owner != "" {
		meta.OwnerShortname = owner
		changed = append(changed, "owner_shortname")
	}
	if ownerGroup != "" {
		meta.OwnerGroupShortname = ownerGroup
		changed = append(changed, "owner_group_shortname")
	}
	flat, err := storage.FlattenResource(existing)
	if err != nil {
		return model.Record{}, err
	}
	if _, err := s.adapter.Update(ctx, storage.UpdateInput{
		Space: req.Space, Subpath: rec.Subpath, Resource: existing,
		Old: old, New: flat, Changed: changed,
		Caller: req.Actor, RetrieveLockStatus: true,
		RequestHeaders: req.RequestHeaders,
	}); err != nil {
		return model.Record{}, err
	}
	return model.ToRecord(existing, rec.Subpath)
}

func (s *Service) updateACL(ctx context.Context, req Request, rec model.Record) (model.Record, error) {
	existing, err := s.adapter.Load(ctx, req.Space, rec.Subpath, rec.Shortname, rec.ResourceType)
	if err != nil {
		return model.Record{}, err
	}
	meta := existing.Base()

	// Only the owner or an unconditional updater may rewrite the ACL;
	// the own condition covers the former.
	if !s.gate.CheckAccess(ctx, access.CheckRequest{
		User:               req.Actor,
		Space:              req.Space,
		Subpath:            rec.Subpath,
		ResourceType:       rec.ResourceType,
		Action:             model.ActionUpdate,
		ResourceIsActive:   meta.IsActive,
		ResourceOwner:      meta.OwnerShortname,
		ResourceOwnerGroup: meta.OwnerGroupShortname,
	}) {
		return model.Record{}, core.NewError(core.CodeNotAllowed,
			"%s may not change the ACL of %s/%s/%s", req.Actor, req.Space, rec.Subpath, rec.Shortname)
	}

	raw, ok := rec.Attributes["acl"]
	if !ok {
		return model.Record{}, core.NewError(core.CodeMissingData, "update_acl requires an acl attribute")
	}
	acl, err := decodeACL(raw)
	if err != nil {
		return model.Record{}, err
	}

	old, err := storage.FlattenResource(existing)
	if err != nil {
		return model.Record{}, err
	}
	meta.ACL = acl
	flat, err := storage.FlattenResource(existing)
	if err != nil {
		return model.Record{}, err
	}
	if _, err := s.adapter.Update(ctx, storage.UpdateInput{
		Space: req.Space, Subpath: rec.Subpath, Resource: existing,
		Old: old, New: flat, Changed: []string{"acl"},
		Caller: req.Actor, RetrieveLockStatus: true,
		RequestHeaders: req.RequestHeaders,
	}); err != nil {
		return model.Record{}, err
	}
	return model.ToRecord(existing, rec.Subpath)
}

func (s *Service) delete(ctx context.Context, req Request, rec model.Record) (model.Record, error) {
	existing, err := s.adapter.Load(ctx, req.Space, rec.Subpath, rec.Shortname, rec.ResourceType)
	if err != nil {
		return model.Record{}, err
	}
	meta := existing.Base()

	if !s.gate.CheckAccess(ctx, access.CheckRequest{
		User:               req.Actor,
		Space:              req.Space,
		Subpath:            rec.Subpath,
		ResourceType:       rec.ResourceType,
		Action:             model.ActionDelete,
		ResourceIsActive:   meta.IsActive,
		ResourceOwner:      meta.OwnerShortname,
		ResourceOwnerGroup: meta.OwnerGroupShortname,
		ACL:                meta.ACL,
	}) {
		return model.Record{}, core.NewError(core.CodeNotAllowed,
			"%s may not delete %s/%s/%s", req.Actor, req.Space, rec.Subpath, rec.Shortname)
	}

	if err := s.adapter.Delete(ctx, storage.DeleteInput{
		Space:              req.Space,
		Subpath:            rec.Subpath,
		Shortname:          rec.Shortname,
		ResourceType:       rec.ResourceType,
		Caller:             req.Actor,
		RetrieveLockStatus: true,
	}); err != nil {
		return model.Record{}, err
	}
	return model.ToRecord(existing, rec.Subpath)
}

func (s *Service) move(ctx context.Context, req Request, rec model.Record) (model.Record, error) {
	destSpace, _ := rec.Attributes[AttrDestSpace].(string)
	destSubpath, _ := rec.Attributes[AttrDestSubpath].(string)
	destShortname, _ := rec.Attributes[AttrDestShortname].(string)
	if destSpace == "" {
		destSpace = req.Space
	}
	if destSubpath == "" {
		destSubpath = rec.Subpath
	}
	if destShortname == "" {
		destShortname = rec.Shortname
	}
	if destSpace == req.Space && destSubpath == rec.Subpath && destShortname == rec.Shortname {
		return model.Record{}, core.NewError(core.CodeMissingData, "move requires a new destination")
	}

	existing, err := s.adapter.Load(ctx, req.Space, rec.Subpath, rec.Shortname, rec.ResourceType)
	if err != nil {
		return model.Record{}, err
	}
	meta := existing.Base()

	check := access.CheckRequest{
		User:               req.Actor,
		Space:              req.Space,
		Subpath:            rec.Subpath,
		ResourceType:       rec.ResourceType,
		Action:             model.ActionMove,
		ResourceIsActive:   meta.IsActive,
		ResourceOwner:      meta.OwnerShortname,
		ResourceOwnerGroup: meta.OwnerGroupShortname,
		ACL:                meta.ACL,
	}
	if !s.gate.CheckAccess(ctx, check) {
		return model.Record{}, core.NewError(core.CodeNotAllowed,
			"%s may not move %s/%s/%s", req.Actor, req.Space, rec.Subpath, rec.Shortname)
	}
	// The caller also needs create rights at the destination.
	check.Space, check.Subpath, check.Action = destSpace, destSubpath, model.ActionCreate
	if !s.gate.CheckAccess(ctx, check) {
		return model.Record{}, core.NewError(core.CodeNotAllowed,
			"%s may not move into %s/%s", req.Actor, destSpace, destSubpath)
	}

	if err := s.adapter.Move(ctx, storage.MoveInput{
		SrcSpace: req.Space, SrcSubpath: rec.Subpath, SrcShortname: rec.Shortname,
		DestSpace: destSpace, DestSubpath: destSubpath, DestShortname: destShortname,
		Resource: existing,
	}); err != nil {
		return model.Record{}, err
	}
	return model.ToRecord(existing, destSubpath)
}

func decodeACL(raw interface{}) ([]model.ACLEntry, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, core.NewError(core.CodeInvalidData, "acl must be a list of entries")
	}
	acl := make([]model.ACLEntry, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, core.NewError(core.CodeInvalidData, "acl entries must be objects")
		}
		user, _ := entry["user_shortname"].(string)
		if user == "" {
			return nil, core.NewError(core.CodeInvalidData, "acl entries require user_shortname")
		}
		aclEntry := model.ACLEntry{UserShortname: user}
		if actions, ok := entry["allowed_actions"].([]interface{}); ok {
			for _, a := range actions {
				if s, ok := a.(string); ok {
					aclEntry.AllowedActions = append(aclEntry.AllowedActions, model.Action(s))
				}
			}
		}
		if conditions, ok := entry["conditions"].([]interface{}); ok {
			for _, c := range conditions {
				if s, ok := c.(string); ok {
					aclEntry.Conditions = append(aclEntry.Conditions, model.Condition(s))
				}
			}
		}
		acl = append(acl, aclEntry)
	}
	return acl, nil
}
