package policy

import (
	"fmt"
	"net/netip"
	"strings"

	"mercator-hq/throttle/pkg/config"
)

// Condition is a bypass condition. The set of implementations is closed:
// UserPrefix, IPPrefix and InAdminList.
type Condition interface {
	condition()
	String() string
}

// UserPrefix matches user ids starting with Prefix.
type UserPrefix struct {
	Prefix string
}

// IPPrefix matches client addresses inside Prefix.
type IPPrefix struct {
	Prefix netip.Prefix
}

// InAdminList matches user ids present in the admin list.
type InAdminList struct{}

func (UserPrefix) condition()  {}
func (IPPrefix) condition()    {}
func (InAdminList) condition() {}

func (c UserPrefix) String() string  { return "user_prefix:" + c.Prefix }
func (c IPPrefix) String() string    { return "ip_prefix:" + c.Prefix.String() }
func (c InAdminList) String() string { return "admin" }

// Subject is the identity conditions are evaluated against.
type Subject struct {
	UserID string
	IP     string
}

// Match evaluates c for s. admins is the admin set used by InAdminList.
func Match(c Condition, s Subject, admins map[string]struct{}) bool {
	switch c := c.(type) {
	case UserPrefix:
		return s.UserID != "" && strings.HasPrefix(s.UserID, c.Prefix)
	case IPPrefix:
		if s.IP == "" {
			return false
		}
		addr, err := netip.ParseAddr(s.IP)
		if err != nil {
			return false
		}
		return c.Prefix.Contains(addr.Unmap())
	case InAdminList:
		if s.UserID == "" {
			return false
		}
		_, ok := admins[s.UserID]
		return ok
	default:
		return false
	}
}

// ParseCondition builds a typed condition from its configuration form.
func ParseCondition(cc config.ConditionConfig) (Condition, error) {
	if err := config.ValidateCondition(cc); err != nil {
		return nil, err
	}
	switch cc.Type {
	case "user_prefix":
		return UserPrefix{Prefix: cc.Value}, nil
	case "ip_prefix":
		p, err := config.ParseIPPrefix(cc.Value)
		if err != nil {
			return nil, err
		}
		return IPPrefix{Prefix: p}, nil
	case "admin":
		return InAdminList{}, nil
	}
	return nil, fmt.Errorf("unknown condition type %q", cc.Type)
}
