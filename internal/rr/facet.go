package rr

import "strings"

// Facet identifies one independently applied part of a RunReturn. A set of
// facets records what a dispatch has already done, so a boxed RunReturn can
// be re-dispatched without repeating non-idempotent work.
type Facet uint32

const (
	FacetState Facet = 1 << iota
	FacetIdentity
	FacetCounts
	FacetTribes
	FacetMessages
	FacetReads
	FacetRestore
	FacetSettled
	FacetAsyncTag
	FacetPing
	FacetMutes
	FacetSentStatus
	FacetError
	FacetInvite
	FacetTribeMembers
	FacetStateDelete
	FacetPayments
	FacetSubscriptions
	FacetRegister
)

// FacetsApplied is every facet handled before the two-phase publish steps.
const FacetsApplied = FacetRegister - 1

var facetNames = []string{
	"state", "identity", "counts", "tribes", "messages", "reads", "restore",
	"settled", "asyncpay_tag", "ping", "mutes", "sent_status", "error",
	"invite", "tribe_members", "state_delete", "payments", "subscriptions",
	"register",
}

// Has reports whether every facet in x is in f.
func (f Facet) Has(x Facet) bool {
	return f&x == x
}

func (f Facet) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for i, name := range facetNames {
		if f&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}
