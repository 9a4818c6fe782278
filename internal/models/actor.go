package models

import "strings"

// Capability is a single permission an actor may hold.
type Capability uint32

const (
	CapViewLedger Capability = 1 << iota
	CapPostTransactions
	CapManageMembers
	CapOriginateLoans
	CapApproveLoans
	CapReleaseLoans
	CapCollectPayments
	CapManageInterest
	CapRunBatches
	CapManageDormancy
)

var capabilityNames = map[Capability]string{
	CapViewLedger:       "view_ledger",
	CapPostTransactions: "post_transactions",
	CapManageMembers:    "manage_members",
	CapOriginateLoans:   "originate_loans",
	CapApproveLoans:     "approve_loans",
	CapReleaseLoans:     "release_loans",
	CapCollectPayments:  "collect_payments",
	CapManageInterest:   "manage_interest",
	CapRunBatches:       "run_batches",
	CapManageDormancy:   "manage_dormancy",
}

func (c Capability) String() string {
	var names []string
	for bit := CapViewLedger; bit <= CapManageDormancy; bit <<= 1 {
		if c&bit != 0 {
			names = append(names, capabilityNames[bit])
		}
	}
	return strings.Join(names, ",")
}

// Role names carried in actor tokens.
const (
	RoleTeller      = "teller"
	RoleLoanOfficer = "loan_officer"
	RoleManager     = "manager"
	RoleAdmin       = "admin"
	RoleSystem      = "system"
	RoleReadOnly    = "auditor"
)

var roleCapabilities = map[string]Capability{
	RoleReadOnly:    CapViewLedger,
	RoleTeller:      CapViewLedger | CapPostTransactions | CapManageMembers | CapCollectPayments,
	RoleLoanOfficer: CapViewLedger | CapOriginateLoans | CapCollectPayments,
	RoleManager: CapViewLedger | CapApproveLoans | CapReleaseLoans | CapManageInterest |
		CapManageDormancy,
	RoleAdmin:  ^Capability(0),
	RoleSystem: CapViewLedger | CapPostTransactions | CapRunBatches | CapManageDormancy,
}

// CapabilitiesForRoles resolves the union of capabilities granted by roles.
// Unknown roles grant nothing.
func CapabilitiesForRoles(roles []string) Capability {
	var c Capability
	for _, r := range roles {
		c |= roleCapabilities[strings.ToLower(strings.TrimSpace(r))]
	}
	return c
}

// Actor is the identity on whose behalf an operation runs. It is resolved
// once per session and passed explicitly into every ledger and loan call.
type Actor struct {
	ID           string
	Capabilities Capability
}

// NewActor builds an actor from its id and role names.
func NewActor(id string, roles ...string) Actor {
	return Actor{ID: id, Capabilities: CapabilitiesForRoles(roles)}
}

// SystemActor is used by scheduled jobs.
func SystemActor(id string) Actor {
	return NewActor(id, RoleSystem)
}

// Can reports whether the actor holds every capability in want.
func (a Actor) Can(want Capability) bool {
	return a.Capabilities&want == want
}
