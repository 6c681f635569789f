package store

import "database/sql"

// MessageStatus is the delivery state of a local message.
type MessageStatus int

const (
	// StatusPending is an outbound message awaiting acknowledgement.
	StatusPending MessageStatus = iota
	// StatusConfirmed is an outbound message acknowledged by the network.
	StatusConfirmed
	// StatusReceived is terminal: the counterpart has the message.
	StatusReceived
	// StatusFailed is an outbound message that was rejected or timed out.
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusReceived:
		return "received"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Message is a materialized protocol message.
//
// ID is the local row id. Index is the global ordering cursor assigned by
// the network and is unset until known.
type Message struct {
	ID           int64
	UUID         string
	Index        sql.NullInt64
	Tag          string
	Type         int
	ChatPubkey   string
	SenderPubkey string
	SenderAlias  string
	Content      string
	RefUUID      string
	AmountMsat   uint64
	PaymentHash  string
	Status       MessageStatus
	FromMe       bool
	Seen         bool
	Deleted      bool
	Paid         bool
	Error        string
	CreatedAt    int64
}

// Contact is a peer with whom keys have been exchanged (or are pending).
type Contact struct {
	Pubkey        string
	RouteHint     string
	Alias         string
	PhotoURL      string
	Person        string
	Code          string
	Confirmed     bool
	MuteLevel     int
	LastReadIndex uint64
	LastMessageID sql.NullInt64
	Unseen        int
}

// Tribe is a joined or owned group.
type Tribe struct {
	Pubkey          string
	Host            string
	Name            string
	Description     string
	Img             string
	OwnerPubkey     string
	OwnerRouteHint  string
	PriceToJoin     uint64
	PricePerMessage uint64
	EscrowAmount    uint64
	Private         bool
	Joined          bool
	MuteLevel       int
	LastReadIndex   uint64
	LastMessageID   sql.NullInt64
	Unseen          int
}

// TribeMember is one row of a tribe's member list.
type TribeMember struct {
	TribePubkey string
	Pubkey      string
	RouteHint   string
	Alias       string
	PhotoURL    string
	Pending     bool
}

// Invite is an invite code created by or for this account.
type Invite struct {
	Code      string
	Pubkey    string
	RouteHint string
	Accepted  bool
	CreatedAt int64
}

// Payment is one row of payment history.
type Payment struct {
	Timestamp     uint64
	Msat          uint64
	Remote        bool
	MsgIndex      uint64
	RHash         string
	Scid          uint64
	ContactPubkey string
}
