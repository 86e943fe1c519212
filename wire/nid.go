package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// ServiceType distinguishes the two clustered roles in spec §1/§6.
type ServiceType uint16

const (
	ServicePlay ServiceType = 1
	ServiceAPI  ServiceType = 2
)

func (s ServiceType) String() string {
	switch s {
	case ServicePlay:
		return "play"
	case ServiceAPI:
		return "api"
	default:
		return fmt.Sprintf("service(%d)", uint16(s))
	}
}

// Nid is a server identity, "<service_type>:<server_id>" (spec §3/§6), e.g.
// "1:2" for Play server 2.
type Nid string

// NewNid formats a Nid from its components.
func NewNid(service ServiceType, serverID int) Nid {
	return Nid(fmt.Sprintf("%d:%d", uint16(service), serverID))
}

// Parse splits the Nid back into its service type and server id.
func (n Nid) Parse() (ServiceType, int, error) {
	s := string(n)
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return 0, 0, fmt.Errorf("wire: malformed nid %q", s)
	}
	svc, err := strconv.ParseUint(s[:idx], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("wire: malformed nid %q: %w", s, err)
	}
	id, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("wire: malformed nid %q: %w", s, err)
	}
	return ServiceType(svc), id, nil
}

// Service returns the nid's service type, or 0 if the nid is malformed.
func (n Nid) Service() ServiceType {
	svc, _, err := n.Parse()
	if err != nil {
		return 0
	}
	return svc
}
