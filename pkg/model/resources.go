package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceType tags the concrete variant of a resource.
type ResourceType string

const (
	ResourceTypeSpace      ResourceType = "space"
	ResourceTypeFolder     ResourceType = "folder"
	ResourceTypeContent    ResourceType = "content"
	ResourceTypeSchema     ResourceType = "schema"
	ResourceTypeTicket     ResourceType = "ticket"
	ResourceTypeUser       ResourceType = "user"
	ResourceTypeRole       ResourceType = "role"
	ResourceTypeGroup      ResourceType = "group"
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeComment    ResourceType = "comment"
	ResourceTypeReply      ResourceType = "reply"
	ResourceTypeReaction   ResourceType = "reaction"
	ResourceTypeMedia      ResourceType = "media"
	ResourceTypeLock       ResourceType = "lock"
	ResourceTypeAlteration ResourceType = "alteration"
	ResourceTypeJSON       ResourceType = "json"
	ResourceTypeDataAsset  ResourceType = "data_asset"
	ResourceTypeHistory    ResourceType = "history"
	ResourceTypeLog        ResourceType = "log"
)

// IsAttachment reports whether the type lives beside a parent entry rather
// than being addressable on its own.
func (rt ResourceType) IsAttachment() bool {
	switch rt {
	case ResourceTypeComment, ResourceTypeReply, ResourceTypeReaction, ResourceTypeMedia,
		ResourceTypeLock, ResourceTypeAlteration, ResourceTypeJSON, ResourceTypeDataAsset:
		return true
	}
	return false
}

// Resource is the closed union over the concrete variants.
type Resource interface {
	Base() *Meta
	Type() ResourceType
}

// Space is the root container. One space per shortname system-wide.
type Space struct {
	Meta
	HideSpace bool     `json:"hide_space,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

func (*Space) Type() ResourceType { return ResourceTypeSpace }

// Folder groups entries under a subpath and declares folder-level rules.
type Folder struct {
	Meta
	// UniqueFields lists field-name groups whose combined values must be
	// unique among sibling entries, e.g. [["email"], ["payload.body.slug"]].
	UniqueFields [][]string `json:"unique_fields,omitempty"`
}

func (*Folder) Type() ResourceType { return ResourceTypeFolder }

// Content is the general payload-bearing entry.
type Content struct {
	Meta
}

func (*Content) Type() ResourceType { return ResourceTypeContent }

// Schema names a JSON-schema document used to validate payload bodies.
type Schema struct {
	Meta
}

func (*Schema) Type() ResourceType { return ResourceTypeSchema }

// Ticket is a workflow-driven entry.
type Ticket struct {
	Meta
	State             string `json:"state"`
	IsOpen            bool   `json:"is_open"`
	ResolutionReason  string `json:"resolution_reason,omitempty"`
	WorkflowShortname string `json:"workflow_shortname,omitempty"`
	Collaborators     JSON   `json:"collaborators,omitempty"`
}

func (*Ticket) Type() ResourceType { return ResourceTypeTicket }

// User is an authenticatable principal.
type User struct {
	Meta
	Roles          []string `json:"roles,omitempty"`
	Groups         []string `json:"groups,omitempty"`
	Email          string   `json:"email,omitempty"`
	EmailVerified  bool     `json:"is_email_verified,omitempty"`
	Msisdn         string   `json:"msisdn,omitempty"`
	MsisdnVerified bool     `json:"is_msisdn_verified,omitempty"`
	Password       string   `json:"password,omitempty"`
	Language       string   `json:"language,omitempty"`
}

func (*User) Type() ResourceType { return ResourceTypeUser }

// Role names a set of permissions.
type Role struct {
	Meta
	Permissions []string `json:"permissions,omitempty"`
}

func (*Role) Type() ResourceType { return ResourceTypeRole }

// Group grants its member users a set of roles transitively.
type Group struct {
	Meta
	Roles []string `json:"roles,omitempty"`
}

func (*Group) Type() ResourceType { return ResourceTypeGroup }

// Permission is the unit of authorization. Subpath patterns may carry magic
// tokens expanded per caller at resolution time.
type Permission struct {
	Meta
	Subpaths            map[string][]string `json:"subpaths"`
	ResourceTypes       []ResourceType      `json:"resource_types"`
	Actions             []Action            `json:"actions"`
	Conditions          []Condition         `json:"conditions,omitempty"`
	RestrictedFields    []string            `json:"restricted_fields,omitempty"`
	AllowedFieldsValues map[string][]string `json:"allowed_fields_values,omitempty"`
}

func (*Permission) Type() ResourceType { return ResourceTypePermission }

// Attachment variants.

type Comment struct {
	Meta
}

func (*Comment) Type() ResourceType { return ResourceTypeComment }

type Reply struct {
	Meta
}

func (*Reply) Type() ResourceType { return ResourceTypeReply }

type Reaction struct {
	Meta
}

func (*Reaction) Type() ResourceType { return ResourceTypeReaction }

type Media struct {
	Meta
}

func (*Media) Type() ResourceType { return ResourceTypeMedia }

// Lock is a short-TTL mutual-exclusion lease on its parent entry. The lock
// owner is OwnerShortname.
type Lock struct {
	Meta
	LockTime time.Time     `json:"lock_time"`
	TTL      time.Duration `json:"ttl"`
}

func (*Lock) Type() ResourceType { return ResourceTypeLock }

// Expired reports whether the lease has passively lapsed as of now.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.LockTime.Add(l.TTL))
}

type Alteration struct {
	Meta
}

func (*Alteration) Type() ResourceType { return ResourceTypeAlteration }

type JSONAttachment struct {
	Meta
}

func (*JSONAttachment) Type() ResourceType { return ResourceTypeJSON }

type DataAsset struct {
	Meta
}

func (*DataAsset) Type() ResourceType { return ResourceTypeDataAsset }

// HistoryDelta captures one field transition inside a history record.
type HistoryDelta struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// History is the immutable append-only diff record written on updates.
type History struct {
	Meta
	Timestamp      time.Time               `json:"timestamp"`
	Diff           map[string]HistoryDelta `json:"diff"`
	RequestHeaders map[string][]string     `json:"request_headers,omitempty"`
}

func (*History) Type() ResourceType { return ResourceTypeHistory }

type Log struct {
	Meta
}

func (*Log) Type() ResourceType { return ResourceTypeLog }

// factories maps each tag to its constructor; resolved once, no reflection.
var factories = map[ResourceType]func() Resource{
	ResourceTypeSpace:      func() Resource { return &Space{} },
	ResourceTypeFolder:     func() Resource { return &Folder{} },
	ResourceTypeContent:    func() Resource { return &Content{} },
	ResourceTypeSchema:     func() Resource { return &Schema{} },
	ResourceTypeTicket:     func() Resource { return &Ticket{} },
	ResourceTypeUser:       func() Resource { return &User{} },
	ResourceTypeRole:       func() Resource { return &Role{} },
	ResourceTypeGroup:      func() Resource { return &Group{} },
	ResourceTypePermission: func() Resource { return &Permission{} },
	ResourceTypeComment:    func() Resource { return &Comment{} },
	ResourceTypeReply:      func() Resource { return &Reply{} },
	ResourceTypeReaction:   func() Resource { return &Reaction{} },
	ResourceTypeMedia:      func() Resource { return &Media{} },
	ResourceTypeLock:       func() Resource { return &Lock{} },
	ResourceTypeAlteration: func() Resource { return &Alteration{} },
	ResourceTypeJSON:       func() Resource { return &JSONAttachment{} },
	ResourceTypeDataAsset:  func() Resource { return &DataAsset{} },
	ResourceTypeHistory:    func() Resource { return &History{} },
	ResourceTypeLog:        func() Resource { return &Log{} },
}

// New returns a zero value of the variant tagged rt.
func New(rt ResourceType) (Resource, error) {
	factory, ok := factories[rt]
	if !ok {
		return nil, fmt.Errorf("unknown resource type %q", rt)
	}
	return factory(), nil
}

// Decode unmarshals data into the variant tagged rt.
func Decode(rt ResourceType, data []byte) (Resource, error) {
	res, err := New(rt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", rt, err)
	}
	return res, nil
}

// KnownTypes lists every registered resource type.
func KnownTypes() []ResourceType {
	types := make([]ResourceType, 0, len(factories))
	for rt := range factories {
		types = append(types, rt)
	}
	return types
}
