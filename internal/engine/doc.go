// Package engine is the serialization point of the sync core.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every mutation of dispatcher, restore, delivery and settlement state
// happens in the goroutine running Engine.Run. Callers, transport callbacks,
// async tribe lookups and the deadline ticker all submit Events to a FIFO
// queue; Run executes them one at a time.
//
// Event Processing Flow:
//  1. An operation (Send, Ping, HandleIncoming, a restore fetch) is enqueued
//  2. Run dequeues it and reads MutationStore.CurrentStateBlob
//  3. The crypto core is invoked with the blob and a unique time nonce
//  4. The RunReturn is handed to the dispatcher, which persists mutations
//     first and then applies each facet
//  5. Restore requests produced by the dispatch are enqueued as new events
//
// Crypto-core calls are made synchronously inside the loop. The state blob
// read, the call and the mutation write therefore never interleave with
// another call.
//
// Deadlines (delivery timeouts, settlement eviction, the restore watchdog)
// are checked on every tick against an injected clock. A deadline whose
// work already completed finds nothing to expire.
package engine
