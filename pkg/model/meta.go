package model

import (
	"time"

	"github.com/google/uuid"
)

// Action is an operation a caller may be permitted to perform on a resource.
type Action string

const (
	ActionView           Action = "view"
	ActionQuery          Action = "query"
	ActionCreate         Action = "create"
	ActionUpdate         Action = "update"
	ActionDelete         Action = "delete"
	ActionAssign         Action = "assign"
	ActionMove           Action = "move"
	ActionLock           Action = "lock"
	ActionUnlock         Action = "unlock"
	ActionProgressTicket Action = "progress_ticket"
)

// Condition narrows when a granted action applies.
type Condition string

const (
	// ConditionOwn requires the caller to be the entry's owner or a member
	// of its owner group.
	ConditionOwn Condition = "own"
	// ConditionIsActive requires the entry to be active.
	ConditionIsActive Condition = "is_active"
)

// ACLEntry grants a single user a set of actions on the entry that carries it.
type ACLEntry struct {
	UserShortname  string      `json:"user_shortname"`
	AllowedActions []Action    `json:"allowed_actions"`
	Conditions     []Condition `json:"conditions,omitempty"`
}

// Relationship links an entry to another entry.
type Relationship struct {
	Space        string       `json:"space_name"`
	Subpath      string       `json:"subpath"`
	Shortname    string       `json:"shortname"`
	ResourceType ResourceType `json:"resource_type"`
	Attributes   JSON         `json:"attributes,omitempty"`
}

// JSON is a generic decoded JSON object.
type JSON = map[string]interface{}

// Meta is the base of every resource variant.
type Meta struct {
	UUID                uuid.UUID         `json:"uuid"`
	Shortname           string            `json:"shortname"`
	IsActive            bool              `json:"is_active"`
	OwnerShortname      string            `json:"owner_shortname"`
	OwnerGroupShortname string            `json:"owner_group_shortname,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	ACL                 []ACLEntry        `json:"acl,omitempty"`
	Displayname         map[string]string `json:"displayname,omitempty"`
	Description         map[string]string `json:"description,omitempty"`
	Payload             *Payload          `json:"payload,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	Relationships       []Relationship    `json:"relationships,omitempty"`
}

// Base returns the embedded Meta, satisfying Resource for every variant.
func (m *Meta) Base() *Meta { return m }

// ACLFor returns the ACL entry naming the given user, if any.
func (m *Meta) ACLFor(user string) *ACLEntry {
	for i := range m.ACL {
		if m.ACL[i].UserShortname == user {
			return &m.ACL[i]
		}
	}
	return nil
}

// ViewACL lists the users whose ACL entries grant view or query. Storage
// adapters denormalize this beside the query policies so read filtering can
// honor ACL overrides without loading permissions.
func (m *Meta) ViewACL() []string {
	var users []string
	for _, entry := range m.ACL {
		for _, action := range entry.AllowedActions {
			if action == ActionView || action == ActionQuery {
				users = append(users, entry.UserShortname)
				break
			}
		}
	}
	return users
}

// Stamp fills identity and timestamp fields ahead of a first write.
func (m *Meta) Stamp(now time.Time) {
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}
