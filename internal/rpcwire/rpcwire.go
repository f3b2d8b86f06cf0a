// Package rpcwire implements the replica-to-replica wire protocol on top of
// the standard library's net/rpc and encoding/gob. A gRPC stack would need
// protoc-generated stubs that cannot be produced without running the
// protobuf toolchain, so this wire format uses net/rpc's request/response
// shape directly.
package rpcwire

import (
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/lithair/lithair/internal/lerrors"
	"github.com/lithair/lithair/internal/raft"
)

// Service is the net/rpc-registered receiver; its exported methods are the
// three replication RPC kinds (AppendEntries, RequestVote, InstallSnapshot).
// It simply forwards to a raft.Node.
type Service struct {
	node *raft.Node
}

func NewService(node *raft.Node) *Service {
	return &Service{node: node}
}

func (s *Service) AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	*reply = *s.node.HandleAppendEntries(args)
	return nil
}

func (s *Service) RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	*reply = *s.node.HandleRequestVote(args)
	return nil
}

func (s *Service) InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	r, err := s.node.HandleInstallSnapshot(args)
	if err != nil {
		return err
	}
	*reply = *r
	return nil
}

// Serve registers svc, listens on addr, and accepts connections on a
// goroutine of its own until the returned listener is closed.
func Serve(addr string, svc *Service) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("Lithair", svc); err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "register rpc service", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "listen", err)
	}
	go server.Accept(ln)
	return ln, nil
}

// Client is a raft.Transport backed by pooled net/rpc client connections,
// one per peer, redialed lazily on failure.
type Client struct {
	mu      sync.Mutex
	conns   map[string]*rpc.Client
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	return &Client{conns: map[string]*rpc.Client{}, timeout: timeout}
}

func (c *Client) conn(addr string) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.conns[addr]; ok {
		return cl, nil
	}
	cl, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c.conns[addr] = cl
	return cl, nil
}

func (c *Client) dropConn(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.conns[addr]; ok {
		cl.Close()
		delete(c.conns, addr)
	}
}

func (c *Client) call(addr, method string, args, reply interface{}) error {
	cl, err := c.conn(addr)
	if err != nil {
		return err
	}
	call := cl.Go("Lithair."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			c.dropConn(addr)
			return call.Error
		}
		return nil
	case <-time.After(c.timeout):
		c.dropConn(addr)
		return lerrors.New(lerrors.Timeout, "rpc call to "+addr+" timed out")
	}
}

func (c *Client) SendAppendEntries(peer string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	if err := c.call(peer, "AppendEntries", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) SendRequestVote(peer string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	if err := c.call(peer, "RequestVote", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) SendInstallSnapshot(peer string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	var reply raft.InstallSnapshotReply
	if err := c.call(peer, "InstallSnapshot", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
