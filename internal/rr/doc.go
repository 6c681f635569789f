// Package rr defines the RunReturn record produced by every crypto-core call,
// the decrypted messages it carries, and the decoders for its facet payloads.
//
// This package contains type definitions only. All other internal packages
// import rr; rr imports nothing internal.
//
// Key design constraints:
//   - Every facet is optional. A nil pointer or empty slice means "no event of
//     that kind this call", never an error.
//   - A RunReturn is immutable once produced. Handlers read it, never write it.
//   - Facet payloads that the core hands over as JSON strings are decoded lazily
//     so one malformed facet cannot poison the others.
//   - All JSON tags use snake_case.
package rr
