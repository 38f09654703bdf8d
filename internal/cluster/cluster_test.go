package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicache/internal/function"
)

type recordingTransport struct {
	local Address
	mu    sync.Mutex
	dests [][]Address
}

func (r *recordingTransport) LocalAddress() Address { return r.local }

func (r *recordingTransport) SendMessage(ctx context.Context, dest Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (any, error) {
	return nil, nil
}

func (r *recordingTransport) Broadcast(ctx context.Context, dests []Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (*ResponseList, error) {
	r.mu.Lock()
	r.dests = append(r.dests, dests)
	r.mu.Unlock()
	list := &ResponseList{}
	for _, d := range dests {
		list.Responses = append(list.Responses, &Response{Sender: d, Received: true})
	}
	return list, nil
}

type scriptedListener struct {
	reject map[Address]bool
	events []string
}

func (l *scriptedListener) OnMemberJoined(addr Address, identity NodeIdentity) bool {
	if l.reject[addr] {
		l.events = append(l.events, "reject:"+string(addr))
		return false
	}
	l.events = append(l.events, "join:"+string(addr))
	return true
}

func (l *scriptedListener) OnMemberLeft(addr Address, identity NodeIdentity) {
	l.events = append(l.events, "leave:"+string(addr))
}

func member(addr, group string) Member {
	return Member{Address: Address(addr), Identity: NewNodeIdentity("127.0.0.1", 9800, group)}
}

func TestNodeStatus(t *testing.T) {
	s := StatusInitializing
	assert.True(t, s.Has(StatusInitializing))
	assert.False(t, s.Has(StatusRunning))

	s = s.Clear(StatusInitializing).Set(StatusRunning | StatusCoordinator)
	assert.False(t, s.Has(StatusInitializing))
	assert.True(t, s.Has(StatusRunning))
	assert.True(t, s.Has(StatusCoordinator|StatusSubCoordinator))
	assert.Equal(t, "running|coordinator", s.String())
	assert.Equal(t, "none", NodeStatus(0).String())
}

func TestDataAffinity(t *testing.T) {
	t.Run("nil affinity serves nothing", func(t *testing.T) {
		var d *DataAffinity
		assert.False(t, d.Contains("orders"))
		assert.Nil(t, d.Groups())
		assert.Nil(t, d.Clone())
	})

	t.Run("groups are sorted", func(t *testing.T) {
		d := NewDataAffinity(true, "users", "orders")
		assert.Equal(t, []string{"orders", "users"}, d.Groups())
		assert.True(t, d.Contains("users"))
		assert.False(t, d.Contains("carts"))
	})

	t.Run("clone is independent", func(t *testing.T) {
		d := NewDataAffinity(false, "orders")
		c := d.Clone()
		c.groups.Add("users")
		assert.False(t, d.Contains("users"))
	})

	t.Run("cbor round trip through NodeInfo", func(t *testing.T) {
		info := NewNodeInfo("n1", NewNodeIdentity("10.0.0.1", 9800, "g1"))
		info.DataAffinity = NewDataAffinity(true, "orders", "users")
		info.Statistics.Count = 42
		info.ConnectedClients = []string{"c1"}

		data, err := cbor.Marshal(info)
		require.NoError(t, err)

		var decoded NodeInfo
		require.NoError(t, cbor.Unmarshal(data, &decoded))
		assert.Equal(t, info.Address, decoded.Address)
		assert.Equal(t, int64(42), decoded.Statistics.Count)
		assert.Equal(t, []string{"c1"}, decoded.ConnectedClients)
		require.NotNil(t, decoded.DataAffinity)
		assert.True(t, decoded.DataAffinity.Strict)
		assert.Equal(t, []string{"orders", "users"}, decoded.DataAffinity.Groups())
	})
}

func TestNodeInfoClone(t *testing.T) {
	info := NewNodeInfo("n1", NewNodeIdentity("", 0, "g"))
	info.ConnectedClients = []string{"a"}
	info.DataAffinity = NewDataAffinity(false, "x")

	c := info.Clone()
	c.ConnectedClients[0] = "b"
	c.Status = c.Status.Set(StatusRunning)

	assert.Equal(t, "a", info.ConnectedClients[0])
	assert.False(t, info.IsRunning())
	assert.True(t, c.IsRunning())
	assert.Equal(t, "g", info.SubgroupName)
}

func TestClusterStats(t *testing.T) {
	stats := NewClusterStats("n1")
	stats.Add(NewNodeInfo("n1", NewNodeIdentity("", 0, "")))
	stats.Add(NewNodeInfo("n2", NewNodeIdentity("", 0, "")))

	t.Run("accessors return copies", func(t *testing.T) {
		n := stats.Get("n2")
		require.NotNil(t, n)
		n.Statistics.Count = 99
		assert.Equal(t, int64(0), stats.Get("n2").Statistics.Count)
	})

	t.Run("update mutates in place", func(t *testing.T) {
		ok := stats.Update("n2", func(n *NodeInfo) { n.Statistics.Count = 7 })
		assert.True(t, ok)
		assert.Equal(t, int64(7), stats.Get("n2").Statistics.Count)
		assert.False(t, stats.Update("missing", func(*NodeInfo) {}))
	})

	t.Run("add replaces existing record", func(t *testing.T) {
		replacement := NewNodeInfo("n2", NewNodeIdentity("", 0, "g2"))
		stats.Add(replacement)
		assert.Equal(t, 2, stats.Len())
		assert.Equal(t, "g2", stats.Get("n2").SubgroupName)
	})

	t.Run("local node", func(t *testing.T) {
		assert.Equal(t, Address("n1"), stats.LocalAddress())
		require.NotNil(t, stats.LocalNode())
		assert.Equal(t, Address("n1"), stats.LocalNode().Address)
	})

	t.Run("remove", func(t *testing.T) {
		assert.True(t, stats.Remove("n2"))
		assert.False(t, stats.Remove("n2"))
		assert.Nil(t, stats.Get("n2"))
		assert.Len(t, stats.Nodes(), 1)
	})

	t.Run("strict groups", func(t *testing.T) {
		assert.False(t, stats.IsStrictGroup("orders"))
		stats.DeclareStrictGroup("orders")
		assert.True(t, stats.IsStrictGroup("orders"))
	})
}

func TestSubCluster(t *testing.T) {
	tr := &recordingTransport{local: "a"}
	sc := NewSubCluster("g1", tr)
	assert.True(t, sc.IsEmpty())
	assert.Equal(t, Address(""), sc.Coordinator())

	client := NodeIdentity{SubGroupName: "g1"}
	assert.True(t, sc.OnMemberJoined("c", client))
	assert.True(t, sc.OnMemberJoined("a", NewNodeIdentity("", 0, "g1")))
	assert.True(t, sc.OnMemberJoined("b", NewNodeIdentity("", 0, "g1")))
	assert.False(t, sc.OnMemberJoined("b", NewNodeIdentity("", 0, "g1")))

	assert.Equal(t, []Address{"c", "a", "b"}, sc.Members())
	assert.Equal(t, []Address{"a", "b"}, sc.Servers())
	assert.Equal(t, Address("a"), sc.Coordinator())

	t.Run("broadcast excludes self when asked", func(t *testing.T) {
		fn := function.New(1, nil, true, "")
		list, err := sc.Broadcast(context.Background(), fn, function.GetAll, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, list.Len())
		assert.Equal(t, []Address{"b"}, tr.dests[len(tr.dests)-1])

		fn = function.New(1, nil, false, "")
		_, err = sc.Broadcast(context.Background(), fn, function.GetAll, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []Address{"a", "b"}, tr.dests[len(tr.dests)-1])
	})

	t.Run("coordinator moves when first server leaves", func(t *testing.T) {
		assert.True(t, sc.OnMemberLeft("a"))
		assert.False(t, sc.OnMemberLeft("a"))
		assert.Equal(t, Address("b"), sc.Coordinator())
		sc.OnMemberLeft("b")
		sc.OnMemberLeft("c")
		assert.True(t, sc.IsEmpty())
	})
}

func TestMembershipInstallView(t *testing.T) {
	tr := &recordingTransport{local: "n1"}
	m := NewMembership(tr)
	l := &scriptedListener{reject: map[Address]bool{"intruder": true}}
	m.SetListener(l)

	joined, left := m.InstallView(View{Version: 1, Members: []Member{
		member("n1", "g1"), member("n2", "g1"), member("intruder", "g1"), member("n3", "g2"),
	}})
	assert.Equal(t, []Address{"n1", "n2", "n3"}, joined)
	assert.Empty(t, left)
	assert.Equal(t, []Address{"n1", "n2", "n3"}, m.Servers())
	assert.False(t, m.IsMember("intruder"))
	assert.True(t, m.IsCoordinator())
	assert.Equal(t, []string{"g1", "g2"}, m.SubClusterNames())
	assert.Equal(t, []Address{"n1", "n2"}, m.SubCluster("g1").Members())

	t.Run("stale view is ignored", func(t *testing.T) {
		joined, left := m.InstallView(View{Version: 1})
		assert.Nil(t, joined)
		assert.Nil(t, left)
		assert.Len(t, m.Members(), 3)
	})

	t.Run("leave destroys empty sub-cluster and moves coordinator", func(t *testing.T) {
		joined, left := m.InstallView(View{Version: 2, Members: []Member{member("n2", "g1")}})
		assert.Empty(t, joined)
		assert.Equal(t, []Address{"n1", "n3"}, left)
		assert.Equal(t, Address("n2"), m.Coordinator())
		assert.False(t, m.IsCoordinator())
		assert.Nil(t, m.SubCluster("g2"))
		assert.Equal(t, []string{"g1"}, m.SubClusterNames())
		assert.Equal(t, m.SubCluster("g1"), m.SubClusterOf("n2"))
	})

	assert.Equal(t, []string{
		"join:n1", "join:n2", "reject:intruder", "join:n3",
		"leave:n1", "leave:n3",
	}, l.events)
	assert.Equal(t, uint64(2), m.Version())
}

func TestMembershipIdentityChange(t *testing.T) {
	m := NewMembership(&recordingTransport{local: "a"})
	l := &scriptedListener{}
	m.SetListener(l)

	m.InstallView(View{Version: 1, Members: []Member{member("a", "g1"), member("b", "g1")}})
	require.NotNil(t, m.SubCluster("g1"))
	assert.Equal(t, []Address{"a", "b"}, m.SubCluster("g1").Servers())

	joined, left := m.InstallView(View{Version: 2, Members: []Member{member("a", "g1"), member("b", "g2")}})
	assert.Equal(t, []Address{"b"}, joined)
	assert.Equal(t, []Address{"b"}, left)

	id, ok := m.Identity("b")
	require.True(t, ok)
	assert.Equal(t, "g2", id.SubGroupName)
	require.NotNil(t, m.SubCluster("g2"))
	assert.Equal(t, []Address{"b"}, m.SubCluster("g2").Servers())
	assert.Equal(t, []Address{"a"}, m.SubCluster("g1").Servers())
	assert.Equal(t, m.SubCluster("g2"), m.SubClusterOf("b"))
	assert.Equal(t, []Address{"a", "b"}, m.Servers())

	t.Run("unchanged identity is not a rejoin", func(t *testing.T) {
		joined, left := m.InstallView(View{Version: 3, Members: []Member{member("a", "g1"), member("b", "g2")}})
		assert.Empty(t, joined)
		assert.Empty(t, left)
	})

	assert.Equal(t, []string{"join:a", "join:b", "leave:b", "join:b"}, l.events)
}

func TestErrors(t *testing.T) {
	t.Run("suspected error matches sentinel", func(t *testing.T) {
		err := fmt.Errorf("send: %w", &SuspectedError{Member: "n2"})
		assert.True(t, errors.Is(err, ErrSuspected))
		assert.True(t, IsTransient(err))
		assert.Contains(t, err.Error(), "n2")
	})

	t.Run("wrap failure leaves transient errors alone", func(t *testing.T) {
		assert.Nil(t, WrapFailure("insert", nil))
		assert.Equal(t, ErrTimeout, WrapFailure("insert", ErrTimeout))

		base := errors.New("disk on fire")
		err := WrapFailure("insert", base)
		var gf *GeneralFailureError
		require.True(t, errors.As(err, &gf))
		assert.Equal(t, "insert", gf.Op)
		assert.ErrorIs(t, err, base)
		assert.Same(t, err, WrapFailure("remove", err))
	})
}

func TestResponseList(t *testing.T) {
	var empty *ResponseList
	assert.Equal(t, 0, empty.Len())
	assert.False(t, empty.AllSuspected())
	assert.Nil(t, empty.First())

	list := &ResponseList{Responses: []*Response{
		{Sender: "a", Suspected: true},
		{Sender: "b", Received: true, Err: errors.New("boom")},
		{Sender: "c", Received: true, Value: 3},
	}}
	assert.Equal(t, []Address{"a"}, list.SuspectedMembers())
	assert.Len(t, list.Results(), 2)
	assert.Equal(t, Address("c"), list.First().Sender)
	assert.False(t, list.AllSuspected())

	all := &ResponseList{Responses: []*Response{{Sender: "a", Suspected: true}}}
	assert.True(t, all.AllSuspected())
}
