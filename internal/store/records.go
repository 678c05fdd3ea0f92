package store

import (
	"time"

	"fedstate/internal/federation"
	"fedstate/internal/store/codec"
)

// Stored forms. Field names are short and stable; unknown fields are
// ignored on decode so records written by newer versions stay readable.

type subClusterRecord struct {
	ID             string `cbor:"id"`
	AMRM           string `cbor:"amrm"`
	ClientRM       string `cbor:"client_rm"`
	RMAdmin        string `cbor:"rm_admin"`
	RMWeb          string `cbor:"rm_web"`
	State          string `cbor:"state"`
	HeartbeatSec   int64  `cbor:"hb_sec"`
	HeartbeatNanos int32  `cbor:"hb_nsec"`
	Capability     string `cbor:"capability"`
}

type applicationRecord struct {
	ApplicationID  federation.ApplicationID `cbor:"app"`
	HomeSubCluster string                   `cbor:"home"`
}

type policyRecord struct {
	Queue  string `cbor:"queue"`
	Type   string `cbor:"type"`
	Params []byte `cbor:"params"`
}

func encodeSubCluster(info federation.SubClusterInfo) ([]byte, error) {
	hb := info.LastHeartbeat.UTC()
	return codec.Marshal(subClusterRecord{
		ID:             string(info.ID),
		AMRM:           info.AMRMServiceAddress,
		ClientRM:       info.ClientRMServiceAddress,
		RMAdmin:        info.RMAdminServiceAddress,
		RMWeb:          info.RMWebServiceAddress,
		State:          string(info.State),
		HeartbeatSec:   hb.Unix(),
		HeartbeatNanos: int32(hb.Nanosecond()),
		Capability:     info.Capability,
	})
}

func decodeSubCluster(b []byte) (federation.SubClusterInfo, error) {
	var r subClusterRecord
	if err := codec.Unmarshal(b, &r); err != nil {
		return federation.SubClusterInfo{}, err
	}
	return federation.SubClusterInfo{
		ID:                     federation.SubClusterID(r.ID),
		AMRMServiceAddress:     r.AMRM,
		ClientRMServiceAddress: r.ClientRM,
		RMAdminServiceAddress:  r.RMAdmin,
		RMWebServiceAddress:    r.RMWeb,
		State:                  federation.SubClusterState(r.State),
		LastHeartbeat:          time.Unix(r.HeartbeatSec, int64(r.HeartbeatNanos)).UTC(),
		Capability:             r.Capability,
	}, nil
}

func encodeApplication(a federation.ApplicationHomeSubCluster) ([]byte, error) {
	return codec.Marshal(applicationRecord{
		ApplicationID:  a.ApplicationID,
		HomeSubCluster: string(a.HomeSubCluster),
	})
}

func decodeApplication(b []byte) (federation.ApplicationHomeSubCluster, error) {
	var r applicationRecord
	if err := codec.Unmarshal(b, &r); err != nil {
		return federation.ApplicationHomeSubCluster{}, err
	}
	return federation.ApplicationHomeSubCluster{
		ApplicationID:  r.ApplicationID,
		HomeSubCluster: federation.SubClusterID(r.HomeSubCluster),
	}, nil
}

func encodePolicy(p federation.PolicyConfiguration) ([]byte, error) {
	return codec.Marshal(policyRecord{Queue: p.Queue, Type: p.Type, Params: p.Params})
}

func decodePolicy(b []byte) (federation.PolicyConfiguration, error) {
	var r policyRecord
	if err := codec.Unmarshal(b, &r); err != nil {
		return federation.PolicyConfiguration{}, err
	}
	return federation.PolicyConfiguration{Queue: r.Queue, Type: r.Type, Params: r.Params}, nil
}
