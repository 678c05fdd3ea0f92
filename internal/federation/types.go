// Package federation holds the data model shared by the store, the HTTP
// API and the heartbeat agent: sub-cluster membership records,
// application homing entries and per-queue policy configurations.
package federation

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid marks malformed input (empty keys, unknown states, bad ids).
var ErrInvalid = errors.New("federation: invalid input")

// SubClusterID identifies a sub-cluster. Opaque and caller supplied.
type SubClusterID string

func (id SubClusterID) String() string { return string(id) }

// SubClusterState is the health/lifecycle state of a sub-cluster.
type SubClusterState string

const (
	StateNew             SubClusterState = "NEW"
	StateRunning         SubClusterState = "RUNNING"
	StateUnhealthy       SubClusterState = "UNHEALTHY"
	StateUnregistered    SubClusterState = "UNREGISTERED"
	StateDecommissioning SubClusterState = "DECOMMISSIONING"
	StateDecommissioned  SubClusterState = "DECOMMISSIONED"
	StateLost            SubClusterState = "LOST"
)

var allStates = []SubClusterState{
	StateNew, StateRunning, StateUnhealthy, StateUnregistered,
	StateDecommissioning, StateDecommissioned, StateLost,
}

// ParseSubClusterState accepts the canonical names, case-insensitively,
// with or without the "SC_" prefix.
func ParseSubClusterState(s string) (SubClusterState, error) {
	norm := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "SC_")
	for _, st := range allStates {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown sub-cluster state %q", ErrInvalid, s)
}

// Valid reports whether s is one of the defined states.
func (s SubClusterState) Valid() bool {
	for _, st := range allStates {
		if st == s {
			return true
		}
	}
	return false
}

// Active reports whether routers may place work on a sub-cluster in
// this state. Only RUNNING qualifies.
func (s SubClusterState) Active() bool { return s == StateRunning }

// Live reports whether a sub-cluster in this state is still expected to
// heartbeat.
func (s SubClusterState) Live() bool {
	return s == StateNew || s == StateRunning || s == StateUnhealthy
}

// SubClusterInfo is the membership record of one sub-cluster.
type SubClusterInfo struct {
	ID                     SubClusterID    `json:"subClusterId"`
	AMRMServiceAddress     string          `json:"amRMServiceAddress"`
	ClientRMServiceAddress string          `json:"clientRMServiceAddress"`
	RMAdminServiceAddress  string          `json:"rmAdminServiceAddress"`
	RMWebServiceAddress    string          `json:"rmWebServiceAddress"`
	State                  SubClusterState `json:"state"`
	LastHeartbeat          time.Time       `json:"lastHeartbeat"`
	Capability             string          `json:"capability"`
}

// Validate checks the fields required by register.
func (i SubClusterInfo) Validate() error {
	if strings.TrimSpace(string(i.ID)) == "" {
		return fmt.Errorf("%w: missing sub-cluster id", ErrInvalid)
	}
	for name, addr := range map[string]string{
		"amRMServiceAddress":     i.AMRMServiceAddress,
		"clientRMServiceAddress": i.ClientRMServiceAddress,
		"rmAdminServiceAddress":  i.RMAdminServiceAddress,
		"rmWebServiceAddress":    i.RMWebServiceAddress,
	} {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("%w: sub-cluster %s: missing %s", ErrInvalid, i.ID, name)
		}
	}
	if i.State != "" && !i.State.Valid() {
		return fmt.Errorf("%w: sub-cluster %s: unknown state %q", ErrInvalid, i.ID, i.State)
	}
	return nil
}

// Equal compares two records, using time.Equal for the heartbeat.
func (i SubClusterInfo) Equal(o SubClusterInfo) bool {
	return i.ID == o.ID &&
		i.AMRMServiceAddress == o.AMRMServiceAddress &&
		i.ClientRMServiceAddress == o.ClientRMServiceAddress &&
		i.RMAdminServiceAddress == o.RMAdminServiceAddress &&
		i.RMWebServiceAddress == o.RMWebServiceAddress &&
		i.State == o.State &&
		i.LastHeartbeat.Equal(o.LastHeartbeat) &&
		i.Capability == o.Capability
}

// ApplicationID identifies a submitted application: the start time of
// the resource manager that issued it plus a sequence number.
type ApplicationID struct {
	ClusterTimestamp int64
	ID               int32
}

const appIDPrefix = "application_"

// NewApplicationID is a convenience constructor.
func NewApplicationID(clusterTimestamp int64, id int32) ApplicationID {
	return ApplicationID{ClusterTimestamp: clusterTimestamp, ID: id}
}

// String renders application_<clusterTimestamp>_<id>, id zero padded to
// four digits.
func (a ApplicationID) String() string {
	return fmt.Sprintf("%s%d_%04d", appIDPrefix, a.ClusterTimestamp, a.ID)
}

// ParseApplicationID is the inverse of String.
func ParseApplicationID(s string) (ApplicationID, error) {
	rest, ok := strings.CutPrefix(s, appIDPrefix)
	if !ok {
		return ApplicationID{}, fmt.Errorf("%w: application id %q: missing %q prefix", ErrInvalid, s, appIDPrefix)
	}
	tsPart, idPart, ok := strings.Cut(rest, "_")
	if !ok {
		return ApplicationID{}, fmt.Errorf("%w: application id %q: missing sequence", ErrInvalid, s)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ApplicationID{}, fmt.Errorf("%w: application id %q: %v", ErrInvalid, s, err)
	}
	seq, err := strconv.ParseInt(idPart, 10, 32)
	if err != nil {
		return ApplicationID{}, fmt.Errorf("%w: application id %q: %v", ErrInvalid, s, err)
	}
	return ApplicationID{ClusterTimestamp: ts, ID: int32(seq)}, nil
}

// MarshalText lets ApplicationID travel as a plain string in JSON.
func (a ApplicationID) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses the String form.
func (a *ApplicationID) UnmarshalText(b []byte) error {
	parsed, err := ParseApplicationID(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ApplicationHomeSubCluster maps an application to the sub-cluster that
// currently owns it.
type ApplicationHomeSubCluster struct {
	ApplicationID  ApplicationID `json:"applicationId"`
	HomeSubCluster SubClusterID  `json:"homeSubCluster"`
}

// Validate checks that the home sub-cluster is set.
func (a ApplicationHomeSubCluster) Validate() error {
	if strings.TrimSpace(string(a.HomeSubCluster)) == "" {
		return fmt.Errorf("%w: application %s: missing home sub-cluster", ErrInvalid, a.ApplicationID)
	}
	return nil
}

// PolicyConfiguration is the routing policy attached to a queue. Params
// is opaque to the store.
type PolicyConfiguration struct {
	Queue  string `json:"queue"`
	Type   string `json:"type"`
	Params []byte `json:"params"`
}

// Validate checks the queue and policy type.
func (p PolicyConfiguration) Validate() error {
	if strings.TrimSpace(p.Queue) == "" {
		return fmt.Errorf("%w: missing queue name", ErrInvalid)
	}
	if strings.TrimSpace(p.Type) == "" {
		return fmt.Errorf("%w: queue %s: missing policy type", ErrInvalid, p.Queue)
	}
	return nil
}

// Equal compares two configurations; nil and empty params are equal.
func (p PolicyConfiguration) Equal(o PolicyConfiguration) bool {
	return p.Queue == o.Queue && p.Type == o.Type && bytes.Equal(p.Params, o.Params)
}
