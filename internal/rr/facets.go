package rr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DecodeError reports a malformed facet payload. It is never fatal: the
// dispatcher drops the offending facet and keeps going.
type DecodeError struct {
	Facet string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Facet, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeFacet[T any](facet, raw string) (T, error) {
	var v T
	if strings.TrimSpace(raw) == "" {
		return v, &DecodeError{Facet: facet, Err: fmt.Errorf("empty payload")}
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, &DecodeError{Facet: facet, Err: err}
	}
	return v, nil
}

// MsgsCounts is the message-count snapshot that drives restore.
type MsgsCounts struct {
	Total                        *uint64 `json:"total,omitempty"`
	OkKey                        *uint64 `json:"ok_key,omitempty"`
	FirstForEachScid             *uint64 `json:"first_for_each_scid,omitempty"`
	TotalHighestIndex            *uint64 `json:"total_highest_index,omitempty"`
	OkKeyHighestIndex            *uint64 `json:"ok_key_highest_index,omitempty"`
	FirstForEachScidHighestIndex *uint64 `json:"first_for_each_scid_highest_index,omitempty"`
}

func valueOf(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

// FirstPerContact returns the first-message-per-key count, zero when absent.
func (c MsgsCounts) FirstPerContact() uint64 { return valueOf(c.FirstForEachScid) }

// FirstPerContactMax returns the highest index among first messages.
func (c MsgsCounts) FirstPerContactMax() uint64 { return valueOf(c.FirstForEachScidHighestIndex) }

// TotalCount returns the total message count.
func (c MsgsCounts) TotalCount() uint64 { return valueOf(c.Total) }

// HighestIndex returns the highest index known to the server.
func (c MsgsCounts) HighestIndex() uint64 { return valueOf(c.TotalHighestIndex) }

// DecodeMsgsCounts parses RunReturn.MsgsCounts.
func DecodeMsgsCounts(raw string) (MsgsCounts, error) {
	return decodeFacet[MsgsCounts]("msgs_counts", raw)
}

// SendStatus values reported in sent_status.
const (
	SendStatusComplete = "COMPLETE"
	SendStatusPending  = "PENDING"
	SendStatusFailed   = "FAILED"
)

// SentStatus acknowledges an outbound send identified by Tag.
type SentStatus struct {
	Tag         string `json:"tag"`
	Status      string `json:"status"`
	Preimage    string `json:"preimage,omitempty"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Failed reports whether the send was rejected.
func (s SentStatus) Failed() bool { return s.Status == SendStatusFailed }

// Complete reports whether the send was confirmed.
func (s SentStatus) Complete() bool { return s.Status == SendStatusComplete }

// DecodeSentStatus parses RunReturn.SentStatus.
func DecodeSentStatus(raw string) (SentStatus, error) {
	s, err := decodeFacet[SentStatus]("sent_status", raw)
	if err == nil && s.Tag == "" {
		return s, &DecodeError{Facet: "sent_status", Err: fmt.Errorf("missing tag")}
	}
	return s, err
}

// SettledStatus confirms settlement of the HTLC carried by message HtlcIndex.
type SettledStatus struct {
	HtlcIndex    string `json:"htlc_index"`
	SettleStatus string `json:"settle_status,omitempty"`
}

// DecodeSettledStatus parses RunReturn.SettledStatus. The htlc index may be
// sent as a number or a string.
func DecodeSettledStatus(raw string) (SettledStatus, error) {
	w, err := decodeFacet[struct {
		HtlcIndex    json.RawMessage `json:"htlc_index"`
		SettleStatus string          `json:"settle_status"`
	}]("settled_status", raw)
	if err != nil {
		return SettledStatus{}, err
	}
	idx := strings.Trim(string(w.HtlcIndex), `"`)
	if _, err := strconv.ParseUint(idx, 10, 64); err != nil {
		return SettledStatus{}, &DecodeError{Facet: "settled_status", Err: fmt.Errorf("htlc_index %q: %w", idx, err)}
	}
	return SettledStatus{HtlcIndex: idx, SettleStatus: w.SettleStatus}, nil
}

// Tribe describes a group as returned by the core or the directory.
type Tribe struct {
	Pubkey          string `json:"pubkey"`
	Host            string `json:"host,omitempty"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Img             string `json:"img,omitempty"`
	OwnerPubkey     string `json:"owner_pubkey,omitempty"`
	OwnerRouteHint  string `json:"owner_route_hint,omitempty"`
	PriceToJoin     uint64 `json:"price_to_join,omitempty"`
	PricePerMessage uint64 `json:"price_per_message,omitempty"`
	EscrowAmount    uint64 `json:"escrow_amount,omitempty"`
	Private         bool   `json:"private,omitempty"`
}

// DecodeTribe parses RunReturn.NewTribe or a directory response body.
func DecodeTribe(raw string) (Tribe, error) {
	t, err := decodeFacet[Tribe]("new_tribe", raw)
	if err == nil && t.Pubkey == "" {
		return t, &DecodeError{Facet: "new_tribe", Err: fmt.Errorf("missing pubkey")}
	}
	return t, err
}

// TribeMember is one entry of a tribe member list.
type TribeMember struct {
	Pubkey    string `json:"pubkey"`
	RouteHint string `json:"route_hint,omitempty"`
	Alias     string `json:"alias,omitempty"`
	PhotoURL  string `json:"photo_url,omitempty"`
}

// TribeMembers lists confirmed and pending members of one tribe.
type TribeMembers struct {
	Pubkey    string        `json:"pubkey"`
	Confirmed []TribeMember `json:"confirmed"`
	Pending   []TribeMember `json:"pending"`
}

// DecodeTribeMembers parses RunReturn.TribeMembers.
func DecodeTribeMembers(raw string) (TribeMembers, error) {
	return decodeFacet[TribeMembers]("tribe_members", raw)
}

// DecodeMuteLevels parses RunReturn.MuteLevels into pubkey -> level.
func DecodeMuteLevels(raw string) (map[string]int, error) {
	return decodeFacet[map[string]int]("mute_levels", raw)
}

// DecodeLastRead parses RunReturn.LastRead into pubkey -> last read index.
func DecodeLastRead(raw string) (map[string]uint64, error) {
	return decodeFacet[map[string]uint64]("last_read", raw)
}

// Payment is one entry of the payment history.
type Payment struct {
	Msat          uint64 `json:"msat"`
	Timestamp     uint64 `json:"ts"`
	Remote        bool   `json:"remote"`
	MsgIdx        uint64 `json:"msg_idx,omitempty"`
	RHash         string `json:"rhash,omitempty"`
	Scid          uint64 `json:"scid,omitempty"`
	ContactPubkey string `json:"contact_pubkey,omitempty"`
}

// DecodePayments parses RunReturn.Payments.
func DecodePayments(raw string) ([]Payment, error) {
	return decodeFacet[[]Payment]("payments", raw)
}

// Invite is a newly created invite code.
type Invite struct {
	Code      string `json:"code"`
	Pubkey    string `json:"pubkey,omitempty"`
	RouteHint string `json:"route_hint,omitempty"`
}

// DecodeInvite parses RunReturn.NewInvite. A bare string is taken as the code.
func DecodeInvite(raw string) (Invite, error) {
	s := strings.TrimSpace(raw)
	if s != "" && !strings.HasPrefix(s, "{") {
		return Invite{Code: s}, nil
	}
	inv, err := decodeFacet[Invite]("new_invite", raw)
	if err == nil && inv.Code == "" {
		return inv, &DecodeError{Facet: "new_invite", Err: fmt.Errorf("missing code")}
	}
	return inv, err
}
