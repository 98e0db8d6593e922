package negotiation

// Role is fixed when a link is created and decides who yields on glare.
type Role int

const (
	// RoleCaller is the impolite side. It keeps its own offer on collision
	// and drops the remote one. Links to participants announced by joined
	// get this role.
	RoleCaller Role = iota
	// RoleCallee is the polite side. It rolls back and accepts the remote
	// offer on collision. Links to participants from the existing-members
	// snapshot get this role.
	RoleCallee
)

func (r Role) Polite() bool { return r == RoleCallee }

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}
