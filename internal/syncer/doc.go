// Package syncer pushes locally recorded changes to the server and pulls
// reference data back.
//
// Overview
//
// Every pushable row carries a synced flag. A run collects all rows with
// synced = 0, sends them as one batch, and flips the flag only after the
// server acknowledged the batch:
//
//	LocalStore (synced = 0 rows)
//	     │  CollectPending (one read transaction)
//	     ▼
//	SyncRequest ──POST /api/sync──▶ server
//	     │
//	     ├── transport failure ─────▶ nothing changes, retry later
//	     ├── session mismatch  ─────▶ non-destructive logout
//	     ├── other rejection   ─────▶ nothing changes
//	     └── success ──▶ MarkSynced (same tenant, same row versions)
//	                  ──▶ MergeServerCustomers
//
// A row is therefore sent at least once and never lost: any failure before
// the acknowledgment leaves it pending, and a row edited while its batch was
// in flight keeps synced = 0 because its version no longer matches.
//
// Usage
//
//	engine := syncer.NewEngine(st, guard, client, syncer.Config{Logger: log})
//	res := engine.Run(ctx)
//	if !res.Success {
//	    fmt.Println(res.Message)
//	}
//
// Concurrency
//
// Run, Pull and PushActivity share one in-flight flag. A call made while
// another is running returns immediately with InProgress set; it is not
// queued. The acknowledgment phase runs detached from the caller's context
// so a caller that gives up cannot strand an acknowledged batch.
package syncer
