package rr

import "strconv"

// RunReturn is the single structured result of one crypto-core invocation.
//
// Fields holding JSON strings (MsgsCounts, SentStatus, ...) are decoded by the
// facet decoders in facets.go.
type RunReturn struct {
	Msgs []Msg `json:"msgs,omitempty"`

	// Topics and Payloads are published pairwise once the call has no pending
	// two-phase work.
	Topics   []string `json:"topics,omitempty"`
	Payloads [][]byte `json:"payloads,omitempty"`

	// StateMp is the msgpack mutation envelope to merge into the state store.
	StateMp       []byte   `json:"state_mp,omitempty"`
	StateToDelete []string `json:"state_to_delete,omitempty"`

	NewBalance    *uint64 `json:"new_balance,omitempty"`
	MyContactInfo *string `json:"my_contact_info,omitempty"`
	NewTribe      *string `json:"new_tribe,omitempty"`
	TribeMembers  *string `json:"tribe_members,omitempty"`
	NewInvite     *string `json:"new_invite,omitempty"`

	MsgsCounts *string `json:"msgs_counts,omitempty"`
	// MsgsTotal is set when this call answers a history fetch; it carries
	// the number of messages in the fetched batch.
	MsgsTotal *uint64 `json:"msgs_total,omitempty"`

	SentStatus    *string `json:"sent_status,omitempty"`
	SettledStatus *string `json:"settled_status,omitempty"`
	AsyncpayTag   *string `json:"asyncpay_tag,omitempty"`
	Error         *string `json:"error,omitempty"`
	Ping          *string `json:"ping,omitempty"`
	MuteLevels    *string `json:"mute_levels,omitempty"`
	LastRead      *string `json:"last_read,omitempty"`
	Payments      *string `json:"payments,omitempty"`
	PaymentsTotal *uint64 `json:"payments_total,omitempty"`

	SubscriptionTopics []string `json:"subscription_topics,omitempty"`

	SettleTopic     *string `json:"settle_topic,omitempty"`
	SettlePayload   []byte  `json:"settle_payload,omitempty"`
	AsyncpayTopic   *string `json:"asyncpay_topic,omitempty"`
	AsyncpayPayload []byte  `json:"asyncpay_payload,omitempty"`
	RegisterTopic   *string `json:"register_topic,omitempty"`
	RegisterPayload []byte  `json:"register_payload,omitempty"`
}

// Publish is one outbound transport message.
type Publish struct {
	Topic   string
	Payload []byte
}

// HasSettle reports whether the call needs a settlement confirmation before
// its outbound topics may be published.
func (r *RunReturn) HasSettle() bool {
	return r.SettleTopic != nil && r.SettlePayload != nil
}

// HasAsyncPay reports whether the call carries an async-pay topic/payload pair.
func (r *RunReturn) HasAsyncPay() bool {
	return r.AsyncpayTopic != nil && r.AsyncpayPayload != nil
}

// HasRegister reports whether a registration publish must precede the rest.
func (r *RunReturn) HasRegister() bool {
	return r.RegisterTopic != nil && r.RegisterPayload != nil
}

// Publishes pairs Topics with Payloads. A trailing topic without a payload
// (or the reverse) is dropped.
func (r *RunReturn) Publishes() []Publish {
	n := len(r.Topics)
	if len(r.Payloads) < n {
		n = len(r.Payloads)
	}
	out := make([]Publish, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Publish{Topic: r.Topics[i], Payload: r.Payloads[i]})
	}
	return out
}

// ContainsIndex reports whether any carried message has the given index.
// Decimal indexes compare by value, so "0500" matches "500".
func (r *RunReturn) ContainsIndex(index string) bool {
	want, err := strconv.ParseUint(index, 10, 64)
	if err != nil {
		for _, m := range r.Msgs {
			if m.Index == index {
				return true
			}
		}
		return false
	}
	for _, m := range r.Msgs {
		if got, err := m.IndexValue(); err == nil && got == want {
			return true
		}
	}
	return false
}

// ContainsTag reports whether any carried message has the given tag.
func (r *RunReturn) ContainsTag(tag string) bool {
	if tag == "" {
		return false
	}
	for _, m := range r.Msgs {
		if m.Tag == tag {
			return true
		}
	}
	return false
}

// FirstTag returns the tag of the first message, or "" when there is none.
func (r *RunReturn) FirstTag() string {
	if len(r.Msgs) == 0 {
		return ""
	}
	return r.Msgs[0].Tag
}
