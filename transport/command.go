package transport

import (
	"strings"
)

// ProtocolVersion is carried in the "ver" field of every packet
const ProtocolVersion = "4"

// DefaultPrefix namespaces channel names when no prefix is configured
const DefaultPrefix = "MOL"

// Command identifies the packet type carried on a channel
type Command uint8

// Protocol commands
const (
	CmdEvent Command = iota
	CmdRequest
	CmdResponse
	CmdDiscover
	CmdInfo
	CmdDisconnect
	CmdHeartbeat
	CmdPing
	CmdPong
)

var commandNames = [...]string{
	CmdEvent:      "EVENT",
	CmdRequest:    "REQ",
	CmdResponse:   "RES",
	CmdDiscover:   "DISCOVER",
	CmdInfo:       "INFO",
	CmdDisconnect: "DISCONNECT",
	CmdHeartbeat:  "HEARTBEAT",
	CmdPing:       "PING",
	CmdPong:       "PONG",
}

// commandTable maps the command segment of a channel name to its Command
var commandTable = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for i, name := range commandNames {
		m[name] = Command(i)
	}
	return m
}()

// String returns the wire name of the command
func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "UNKNOWN"
}

// IsControl reports whether the command is handled by the transport itself
// rather than the registry.
func (c Command) IsControl() bool {
	return c >= CmdDiscover && c <= CmdPong
}

// ParseCommand looks up a command by wire name
func ParseCommand(name string) (Command, bool) {
	c, ok := commandTable[name]
	return c, ok
}

// Channel derives a channel name: prefix.COMMAND for broadcasts, or
// prefix.COMMAND.nodeID when nodeID is set.
func Channel(prefix string, cmd Command, nodeID string) string {
	name := cmd.String()
	var b strings.Builder
	b.Grow(len(prefix) + len(name) + len(nodeID) + 2)
	b.WriteString(prefix)
	b.WriteByte('.')
	b.WriteString(name)
	if nodeID != "" {
		b.WriteByte('.')
		b.WriteString(nodeID)
	}
	return b.String()
}

// Channels is the channel table of one node, computed once from its prefix
// and ID.
type Channels struct {
	Prefix string
	NodeID string

	Event             string
	Request           string
	Response          string
	DiscoverBroadcast string
	Discover          string
	InfoBroadcast     string
	Info              string
	Disconnect        string
	Heartbeat         string
	PingBroadcast     string
	Ping              string
	Pong              string

	prefixDot string
}

// NewChannels computes the channel table for nodeID under prefix
func NewChannels(prefix, nodeID string) *Channels {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Channels{
		Prefix:            prefix,
		NodeID:            nodeID,
		Event:             Channel(prefix, CmdEvent, nodeID),
		Request:           Channel(prefix, CmdRequest, nodeID),
		Response:          Channel(prefix, CmdResponse, nodeID),
		DiscoverBroadcast: Channel(prefix, CmdDiscover, ""),
		Discover:          Channel(prefix, CmdDiscover, nodeID),
		InfoBroadcast:     Channel(prefix, CmdInfo, ""),
		Info:              Channel(prefix, CmdInfo, nodeID),
		Disconnect:        Channel(prefix, CmdDisconnect, ""),
		Heartbeat:         Channel(prefix, CmdHeartbeat, ""),
		PingBroadcast:     Channel(prefix, CmdPing, ""),
		Ping:              Channel(prefix, CmdPing, nodeID),
		Pong:              Channel(prefix, CmdPong, nodeID),
		prefixDot:         prefix + ".",
	}
}

// Subscriptions lists the channels a node subscribes to, in subscription order
func (c *Channels) Subscriptions() []string {
	return []string{
		c.Event,
		c.Request,
		c.Response,
		c.DiscoverBroadcast,
		c.Discover,
		c.InfoBroadcast,
		c.Info,
		c.Disconnect,
		c.Heartbeat,
		c.PingBroadcast,
		c.Ping,
		c.Pong,
	}
}

// To returns the channel of cmd for nodeID, or the broadcast channel when
// nodeID is empty.
func (c *Channels) To(cmd Command, nodeID string) string {
	return Channel(c.Prefix, cmd, nodeID)
}

// Classify returns the command of an inbound channel name. The prefix is
// stripped and the command segment looked up; channels outside the prefix,
// with an unknown command or addressed to another node are rejected.
func (c *Channels) Classify(channel string) (Command, bool) {
	rest, ok := strings.CutPrefix(channel, c.prefixDot)
	if !ok {
		return 0, false
	}
	segment, target, scoped := strings.Cut(rest, ".")
	cmd, ok := commandTable[segment]
	if !ok {
		return 0, false
	}
	if scoped && target != c.NodeID {
		return 0, false
	}
	return cmd, true
}
