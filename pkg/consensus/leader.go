package consensus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Role is a peer's role within a quorum.
type Role int

const (
	RoleUnknown Role = iota
	RoleFollower
	RoleLeader
	RoleLearner
	RoleNonParticipant
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleLeader:
		return "LEADER"
	case RoleLearner:
		return "LEARNER"
	case RoleNonParticipant:
		return "NON_PARTICIPANT"
	case RoleUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	for r := RoleUnknown; r <= RoleNonParticipant; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return RoleUnknown, errors.Errorf("consensus: unknown role %q", s)
}

// MarshalText encodes the role by name so persisted metadata stays readable.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
