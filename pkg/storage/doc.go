/*
Package storage provides BoltDB-backed persistence for orchestration
state.

State is kept in four buckets: tasks and agents hold the current entity
records keyed by ID, wal is a write-ahead log of orchestration events
keyed by big-endian sequence number, and snapshot holds the single most
recent point-in-time capture. Saving a snapshot prunes the WAL records
it covers, so recovery is always snapshot plus tail replay.

All data is serialized as JSON. Reads run in db.View transactions and
writes in db.Update, giving snapshot-isolated reads and serialized
atomic writes with fsync on commit.

Usage:

	store, err := storage.NewBoltStore("/var/lib/drover")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	lsn, _ := store.AppendEvent(event)
	_ = store.SaveSnapshot(&storage.Snapshot{LSN: lsn, Tasks: tasks})

	// After a restart:
	snap, _ := store.LoadSnapshot()
	tail, _ := store.EventsSince(snap.LSN)

NopStore satisfies the same interface and discards everything, for runs
with durability switched off.
*/
package storage
