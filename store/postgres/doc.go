// Package postgres implements the aggregate store on PostgreSQL using
// pgx/v5. Ledger dequeue uses SELECT FOR UPDATE SKIP LOCKED, workflow
// advancement locks rows with FOR UPDATE NOWAIT, and dispatch
// idempotency rests on a unique index over dispatch ids. Schema
// migrations are embedded SQL files applied in filename order.
//
// Store.Locker exposes a named lock backend over the same pool for
// deployments that do not run Redis.
package postgres
