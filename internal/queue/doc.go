// Package queue persists workflow items in SQLite and arbitrates their
// lifecycle.
//
// The Store owns the shared database: schema migrations, the workflow item
// table, the append-only transition audit trail, and the domain event log.
// State changes go exclusively through Transition, a compare-and-swap that
// commits the item update, audit record, and domain event as one atomic
// unit. Leases are advisory worker claims orthogonal to state; ClaimNext
// combines eligibility selection with lease acquisition for worker loops.
//
// There is no in-process coordination between workers. The database is the
// single source of truth, and every mutation is one transaction, so any
// number of processes can operate on the same queue safely.
package queue
