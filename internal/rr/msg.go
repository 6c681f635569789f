package rr

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MsgType discriminates message kinds on the wire.
type MsgType uint8

const (
	MsgTypeMessage                MsgType = 0
	MsgTypeConfirmation           MsgType = 1
	MsgTypeDirectPayment          MsgType = 2
	MsgTypeInvoice                MsgType = 3
	MsgTypeAttachment             MsgType = 6
	MsgTypePurchase               MsgType = 7
	MsgTypeContactKey             MsgType = 10
	MsgTypeContactKeyConfirmation MsgType = 11
	MsgTypeGroupJoin              MsgType = 14
	MsgTypeGroupLeave             MsgType = 15
	MsgTypeGroupKick              MsgType = 16
	MsgTypeDelete                 MsgType = 17
	MsgTypeMemberRequest          MsgType = 19
	MsgTypeMemberApprove          MsgType = 20
	MsgTypeMemberReject           MsgType = 21
	MsgTypeTribeDelete            MsgType = 22
	MsgTypeBoost                  MsgType = 29
	MsgTypePayment                MsgType = 30
	MsgTypeEdit                   MsgType = 33
)

// IsKeyExchange reports whether the type carries contact key material.
func (t MsgType) IsKeyExchange() bool {
	return t == MsgTypeContactKey || t == MsgTypeContactKeyConfirmation
}

// IsGroupEvent reports whether the type changes tribe membership.
func (t MsgType) IsGroupEvent() bool {
	switch t {
	case MsgTypeGroupJoin, MsgTypeGroupLeave, MsgTypeGroupKick,
		MsgTypeMemberRequest, MsgTypeMemberApprove, MsgTypeMemberReject,
		MsgTypeTribeDelete:
		return true
	}
	return false
}

// IsPayment reports whether the type settles an invoice.
func (t MsgType) IsPayment() bool {
	return t == MsgTypePayment || t == MsgTypeDirectPayment
}

// Msg is one decrypted protocol message.
//
// UUID is the idempotency key for materialization. Index is the global
// ordering and pagination cursor, a decimal string that need not be
// contiguous.
type Msg struct {
	Index       string  `json:"index"`
	UUID        string  `json:"uuid"`
	Type        MsgType `json:"type"`
	Sender      string  `json:"sender"`
	Message     string  `json:"message,omitempty"`
	Msat        uint64  `json:"msat,omitempty"`
	Timestamp   uint64  `json:"timestamp,omitempty"`
	SentTo      string  `json:"sent_to,omitempty"`
	FromMe      bool    `json:"from_me,omitempty"`
	Tag         string  `json:"tag,omitempty"`
	PaymentHash string  `json:"payment_hash,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// IndexValue parses Index.
func (m Msg) IndexValue() (uint64, error) {
	if m.Index == "" {
		return 0, fmt.Errorf("message %s has no index", m.UUID)
	}
	v, err := strconv.ParseUint(m.Index, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("message %s: parse index %q: %w", m.UUID, m.Index, err)
	}
	return v, nil
}

// Sender is the serialized descriptor of a message's origin.
//
// For tribe traffic Pubkey and Host identify the tribe, and ContactPubkey
// the member who wrote the message.
type Sender struct {
	Pubkey           string `json:"pubkey"`
	RouteHint        string `json:"route_hint,omitempty"`
	ContactPubkey    string `json:"contact_pubkey,omitempty"`
	ContactRouteHint string `json:"contact_route_hint,omitempty"`
	Alias            string `json:"alias,omitempty"`
	PhotoURL         string `json:"photo_url,omitempty"`
	Person           string `json:"person,omitempty"`
	Confirmed        bool   `json:"confirmed,omitempty"`
	Code             string `json:"code,omitempty"`
	Host             string `json:"host,omitempty"`
	Role             int    `json:"role,omitempty"`
}

// IsTribe reports whether the sender describes a tribe rather than a contact.
func (s Sender) IsTribe() bool {
	return s.Host != ""
}

// DecodeSender parses the message's sender descriptor.
func (m Msg) DecodeSender() (Sender, error) {
	var s Sender
	if m.Sender == "" {
		return s, &DecodeError{Facet: "sender", Err: fmt.Errorf("message %s has no sender", m.UUID)}
	}
	if err := json.Unmarshal([]byte(m.Sender), &s); err != nil {
		return s, &DecodeError{Facet: "sender", Err: err}
	}
	return s, nil
}

// Content is the JSON body of a content message. Only the fields this
// layer acts on are decoded.
type Content struct {
	Text      string `json:"content,omitempty"`
	ReplyUUID string `json:"reply_uuid,omitempty"`
	// TargetUUID names the message a Delete or Edit applies to.
	TargetUUID string `json:"original_uuid,omitempty"`
	Invoice    string `json:"invoice,omitempty"`
	Amount     uint64 `json:"amount,omitempty"`
}

// DecodeContent parses the message body. Plain-text bodies are returned as Text.
func (m Msg) DecodeContent() Content {
	var c Content
	if m.Message == "" {
		return c
	}
	if err := json.Unmarshal([]byte(m.Message), &c); err != nil {
		return Content{Text: m.Message}
	}
	return c
}
