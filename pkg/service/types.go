package service

import (
	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
)

// RequestType selects the mutation applied to each record of a batch.
type RequestType string

const (
	RequestCreate    RequestType = "create"
	RequestUpdate    RequestType = "update"
	RequestPatch     RequestType = "patch"
	RequestAssign    RequestType = "assign"
	RequestUpdateACL RequestType = "update_acl"
	RequestDelete    RequestType = "delete"
	RequestMove      RequestType = "move"
)

// Request is one batch of records to mutate on behalf of an actor.
type Request struct {
	Type    RequestType
	Space   string
	Actor   string
	Records []model.Record

	// RequestHeaders are recorded into history entries for auditing.
	RequestHeaders map[string][]string
}

// Failure describes why one record of a batch was rejected.
type Failure struct {
	Shortname string    `json:"shortname"`
	Subpath   string    `json:"subpath"`
	Code      core.Code `json:"code"`
	Message   string    `json:"message"`
}

// Response partitions a batch into outcomes. The batch as a whole succeeded
// only when Failed is empty.
type Response struct {
	Success []model.Record `json:"success"`
	Failed  []Failure      `json:"failed"`
}

// OK reports whether every record in the batch succeeded.
func (r Response) OK() bool { return len(r.Failed) == 0 }

// Move destination attribute keys. A move record names its source by its
// own coordinates and its destination in attributes.
const (
	AttrDestSpace     = "dest_space"
	AttrDestSubpath   = "dest_subpath"
	AttrDestShortname = "dest_shortname"
)
