package unison

// ChannelDirection declares which side may initiate opening a channel.
type ChannelDirection string

const (
	DirectionServerToClient ChannelDirection = "server_to_client"
	DirectionClientToServer ChannelDirection = "client_to_server"
	DirectionBidirectional  ChannelDirection = "bidirectional"
)

// ChannelLifetime is an informational hint only; it never alters framing
// or correlation.
type ChannelLifetime string

const (
	LifetimePersistent ChannelLifetime = "persistent"
	LifetimeTransient  ChannelLifetime = "transient"
)

// ChannelStatus reflects a channel handler's current availability.
type ChannelStatus string

const (
	StatusAvailable   ChannelStatus = "available"
	StatusBusy        ChannelStatus = "busy"
	StatusUnavailable ChannelStatus = "unavailable"
)

// ChannelDescriptor describes one channel a server exposes, as carried in
// ServerIdentity.Channels.
type ChannelDescriptor struct {
	Name      string           `json:"name"`
	Direction ChannelDirection `json:"direction"`
	Lifetime  ChannelLifetime  `json:"lifetime"`
	Status    ChannelStatus    `json:"status"`
}

// ServerIdentity is the server's self-description, sent exactly once on a
// dedicated server-initiated stream immediately after connection
// establishment.
type ServerIdentity struct {
	Name      string              `json:"name"`
	Version   string              `json:"version"`
	Namespace string              `json:"namespace"`
	Channels  []ChannelDescriptor `json:"channels"`
	Metadata  any                 `json:"metadata,omitempty"`
}

// controlChannelName is the well-known channel used for live identity
// updates ("MAY be pushed as additional Event messages on a
// well-known control channel if the schema declares one"). This repo
// declares it so ChannelUpdate events have somewhere to go.
const controlChannelName = "__control"

// ChannelUpdateKind distinguishes the three live update shapes a server
// may push on the control channel after the initial identity frame.
type ChannelUpdateKind string

const (
	ChannelAdded         ChannelUpdateKind = "added"
	ChannelRemoved       ChannelUpdateKind = "removed"
	ChannelStatusChanged ChannelUpdateKind = "status_changed"
)

// ChannelUpdate is the payload of a control-channel Event describing one
// live change to a server's declared channel set.
type ChannelUpdate struct {
	Kind       ChannelUpdateKind  `json:"kind"`
	Descriptor *ChannelDescriptor `json:"descriptor,omitempty"`
	Name       string             `json:"name,omitempty"`
	Status     ChannelStatus      `json:"status,omitempty"`
}
