// Package models defines the core domain models for bill-splitting sessions.
//
// # Models
//
//   - Session: one shared bill with its tax, tip and payment status
//   - Item: a line item on the session's bill
//   - Member: a device that joined the session
//   - Claim: a member sharing the cost of an item
//   - SessionSnapshot: the full authoritative view of one session
//
// # Design Principles
//
// 1. **Exact money**: amounts are decimal.Decimal, never float64
// 2. **Avoid circular references**: relationships use ID strings, not pointers
// 3. **Claims have no identity**: a claim is the (item, member) pair
// 4. **Snapshots are values**: clients mutate clones, never shared state
package models
