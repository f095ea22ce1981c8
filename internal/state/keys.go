package state

// Key builders for the per-address and coordination keys listed in the
// data model (spec §3). Address is the stable suffix for every per-node key.

func LatencyKey(addr string) string     { return "ollamux:latency:" + addr }
func ActiveCountKey(addr string) string { return "ollamux:active_count:" + addr }
func ModelsKey(addr string) string      { return "ollamux:models:" + addr }

// NodeIDMapKey is the single key holding the JSON-encoded id(string) ->
// address map.
const NodeIDMapKey = "ollamux:node_id_map"

// PoolActiveKey and PoolStandbyKey hold the JSON-encoded ordered address
// lists for the active and standby pools.
const (
	PoolActiveKey  = "ollamux:pool:active"
	PoolStandbyKey = "ollamux:pool:standby"
)

// LeaderKey is the NX-set leader lock key.
const LeaderKey = "ollamux:leader"

// RefreshRequestKey is set by any worker when the registry changes.
const RefreshRequestKey = "ollamux:refresh_request"

// RefreshChannel is a pub/sub channel name for Publish/Subscribe. Registry
// changes and admin-triggered refreshes do not go through it: they set
// RefreshRequestKey, which the leader polls.
const RefreshChannel = "ollamux:refresh"
