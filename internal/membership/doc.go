// Package membership is the registry side of cluster membership.
//
// Cache nodes register with a single registry process when they start. The
// registry keeps members in join order and numbers every change with a view
// version. After each change it pushes the complete view to every member,
// which installs it through cluster.Membership; stale versions are ignored
// there, so pushes may race.
//
//	node                      registry                    other members
//	 |-- POST /register ------->|                              |
//	 |                          |-- POST /cluster/view (v+1) ->|
//	 |<-- POST /cluster/view ---|                              |
//
// A HealthMonitor probes every member's /health endpoint. A member that
// fails several probes in a row is removed and a new view is pushed; the
// surviving nodes treat that as a leave.
//
// The registry is not replicated. When it is down the cluster keeps its
// last view and only joins and leaves stall.
package membership
