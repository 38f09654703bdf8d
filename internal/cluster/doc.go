// Package cluster holds the membership model shared by every topology: who
// the members are, what each one announced about itself, how they are grouped
// into sub-clusters, and the transport contract used to reach them.
//
// # Overview
//
// A cache node sees the cluster through three structures, each guarded by its
// own lock and never locked across a network call:
//
//	┌──────────────────────────────────────────────┐
//	│ Membership                                   │
//	│  members  []Address      (view order)        │
//	│  servers  []Address      (members w/ storage)│
//	│  subClusters map[name]*SubCluster            │
//	└──────────────────────────────────────────────┘
//	        │ OnMemberJoined / OnMemberLeft
//	        ▼
//	┌──────────────────────────────────────────────┐
//	│ topology (MembershipListener)                │
//	│  authenticates, then records NodeInfo in     │
//	│  ClusterStats for the balancers              │
//	└──────────────────────────────────────────────┘
//
// # Views
//
// Membership changes arrive as whole Views from the membership registry.
// InstallView diffs the new view against the installed one, reports leaves
// first and then joins in view order. The listener may reject a join; a
// rejected node is kept out of every list. The coordinator of the cluster and
// of each sub-cluster is the first server in join order, so coordination moves
// to the next-oldest server when the coordinator leaves.
//
// # Node records
//
// NodeIdentity is what a node presents when it joins and never changes.
// NodeInfo is the mutable runtime record refreshed by presence announcements:
// status bits, object counts and data affinity. ClusterStats owns one NodeInfo
// per member and hands out copies; balancers use Scan to walk the live list
// under its lock.
//
// # Errors
//
// Transport failures surface as ErrTimeout or a SuspectedError and are never
// wrapped, since callers use them as retry signals. Everything raised by an
// operation handler is wrapped in GeneralFailureError via WrapFailure.
//
// # Communication
//
// The Transport interface carries Functions between members. Registration
// and view pushes between processes use plain JSON over HTTP through
// PostJSON and GetJSON.
package cluster
