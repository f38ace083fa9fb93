package trace

import (
	"fmt"
	"strings"
)

// Role is the supply-chain role a caller acts under
type Role string

const (
	RoleProducer     Role = "Producer"
	RoleIntermediate Role = "Intermediate"
	RoleDistributor  Role = "Distributor"
	RoleGovAuthority Role = "Gov Authority"
)

// Roles lists every known role
var Roles = []Role{RoleProducer, RoleIntermediate, RoleDistributor, RoleGovAuthority}

// ParseRole accepts the display name ("Gov Authority") as well as compact
// spellings ("gov_authority", "govauthority").
func ParseRole(s string) (Role, error) {
	norm := strings.ToLower(strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s))
	for _, r := range Roles {
		if strings.ToLower(strings.ReplaceAll(string(r), " ", "")) == norm {
			return r, nil
		}
	}
	return "", validationError("unknown role %q", s)
}

// Session identifies who is calling. It is passed explicitly into every
// operation; there is no process-wide role state.
type Session struct {
	Actor string `json:"actor"`
	Role  Role   `json:"role"`
}

// Operation names an entry point guarded by the policy
type Operation string

const (
	OpRegister           Operation = "register"
	OpCrossBorder        Operation = "crossBorder"
	OpDistributorReceive Operation = "distributorReceive"
	OpSplitAndAssign     Operation = "splitAndAssign"
	OpReplay             Operation = "replay"
	OpListAll            Operation = "listAll"
	OpGet                Operation = "get"
	OpLineage            Operation = "lineage"
)

// Policy is a table-driven role-to-operation gate
type Policy struct {
	table map[Operation]map[Role]bool
}

// NewPolicy builds a policy from an operation → allowed roles table.
func NewPolicy(table map[Operation][]Role) *Policy {
	p := &Policy{table: make(map[Operation]map[Role]bool, len(table))}
	for op, roles := range table {
		allowed := make(map[Role]bool, len(roles))
		for _, r := range roles {
			allowed[r] = true
		}
		p.table[op] = allowed
	}
	return p
}

// DefaultPolicy returns the production authorization table.
func DefaultPolicy() *Policy {
	return NewPolicy(map[Operation][]Role{
		OpRegister:           {RoleProducer, RoleGovAuthority},
		OpCrossBorder:        {RoleIntermediate, RoleGovAuthority},
		OpDistributorReceive: {RoleDistributor, RoleGovAuthority},
		OpSplitAndAssign:     {RoleDistributor, RoleGovAuthority},
		OpReplay:             {RoleGovAuthority},
		OpListAll:            {RoleGovAuthority},
		OpGet:                Roles,
		OpLineage:            Roles,
	})
}

// Authorize reports whether role may perform op. Unknown operations are denied.
func (p *Policy) Authorize(role Role, op Operation) bool {
	return p.table[op][role]
}

// Require returns an AUTHORIZATION_ERROR unless the session may perform op.
func (p *Policy) Require(sess Session, op Operation) error {
	if sess.Actor == "" {
		return &Error{Code: CodeAuthorization, Message: "not authorized", Detail: "session has no actor"}
	}
	if !p.Authorize(sess.Role, op) {
		return &Error{
			Code:    CodeAuthorization,
			Message: "not authorized",
			Detail:  fmt.Sprintf("role %q may not perform %s", sess.Role, op),
		}
	}
	return nil
}

// operationFor maps a lifecycle action to the operation that guards it.
func operationFor(action Action) Operation {
	switch action {
	case ActionBorderCrossing:
		return OpCrossBorder
	case ActionDistributorReceive:
		return OpDistributorReceive
	case ActionSplitAssign:
		return OpSplitAndAssign
	default:
		return OpRegister
	}
}
