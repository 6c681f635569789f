// Package dispatch fans a single RunReturn out to local persistence, the
// delivery tracker, the settlement queue, the restore session and the
// transport.
//
// Facets are applied by an explicit ordered list of steps. Each step is
// independent: a malformed payload or failed write in one step is logged
// and the next step runs anyway. A RunReturn whose publishes must wait for
// a settlement or async-pay confirmation is boxed together with the set of
// facets already applied, and its later re-dispatch skips those facets.
package dispatch
