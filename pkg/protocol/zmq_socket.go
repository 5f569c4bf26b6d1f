package protocol

import (
	"context"
	"strings"

	"github.com/go-zeromq/zmq4"
)

// Pattern is a ZeroMQ messaging pattern.
type Pattern int

const (
	PatternReqRep Pattern = iota
	PatternPubSub
	PatternPushPull
	PatternDealerRouter
)

var patternNames = []string{"REQ_REP", "PUB_SUB", "PUSH_PULL", "DEALER_ROUTER"}

func (p Pattern) String() string {
	if int(p) >= 0 && int(p) < len(patternNames) {
		return patternNames[p]
	}
	return "UNKNOWN"
}

// ParsePattern accepts REQ_REP, PUB_SUB, PUSH_PULL or DEALER_ROUTER in any case.
func ParsePattern(s string) (Pattern, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for i, name := range patternNames {
		if norm == name {
			return Pattern(i), nil
		}
	}
	return 0, Errorf(KindInvalidArgument, "unknown zeromq pattern %q", s)
}

// Role is the side a socket plays within its pattern.
type Role int

const (
	RoleRequester Role = iota
	RoleReplier
	RolePublisher
	RoleSubscriber
	RolePusher
	RolePuller
	RoleDealer
	RoleRouter
)

var roleNames = []string{"requester", "replier", "publisher", "subscriber", "pusher", "puller", "dealer", "router"}

func (r Role) String() string {
	if int(r) >= 0 && int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "unknown"
}

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for i, name := range roleNames {
		if norm == name {
			return Role(i), nil
		}
	}
	return 0, Errorf(KindInvalidArgument, "unknown zeromq role %q", s)
}

// socketSpec is one legal pattern/role pair and everything that follows
// from it.
type socketSpec struct {
	pattern  Pattern
	role     Role
	kind     zmq4.SocketType
	binds    bool
	receives bool
	open     func(context.Context, ...zmq4.Option) zmq4.Socket
}

var socketSpecs = []socketSpec{
	{PatternReqRep, RoleRequester, zmq4.Req, false, true, zmq4.NewReq},
	{PatternReqRep, RoleReplier, zmq4.Rep, true, true, zmq4.NewRep},
	{PatternPubSub, RolePublisher, zmq4.Pub, true, false, zmq4.NewPub},
	{PatternPubSub, RoleSubscriber, zmq4.Sub, false, true, zmq4.NewSub},
	{PatternPushPull, RolePusher, zmq4.Push, false, false, zmq4.NewPush},
	{PatternPushPull, RolePuller, zmq4.Pull, true, true, zmq4.NewPull},
	{PatternDealerRouter, RoleDealer, zmq4.Dealer, false, true, zmq4.NewDealer},
	{PatternDealerRouter, RoleRouter, zmq4.Router, true, true, zmq4.NewRouter},
}

// lookupSocket returns the spec for a pattern/role pair, or an error when
// the role does not belong to the pattern.
func lookupSocket(p Pattern, r Role) (socketSpec, error) {
	for _, s := range socketSpecs {
		if s.pattern == p && s.role == r {
			return s, nil
		}
	}
	return socketSpec{}, Errorf(KindInvalidConfig, "role %s is not valid for pattern %s", r, p)
}

// bindEndpoint turns scheme://host:port into scheme://*:port. Endpoints
// without a port are returned unchanged.
func bindEndpoint(endpoint string) string {
	scheme, rest, ok := strings.Cut(endpoint, "://")
	if !ok {
		return endpoint
	}
	i := strings.LastIndex(rest, ":")
	if i < 0 || scheme == "ipc" || scheme == "inproc" {
		return endpoint
	}
	return scheme + "://*" + rest[i:]
}
