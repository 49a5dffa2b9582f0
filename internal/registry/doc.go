// Package registry provides the Device Registry for the shepherd.
//
// The registry is the authoritative in-memory map of every device that has
// registered: its registration metadata, its last-known resource values and
// the reporting attributes configured on its objects, instances and
// resources.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                         Device Registry                          │
//	│                                                                  │
//	│  ┌────────────────┐   ┌────────────────┐   ┌────────────────┐    │
//	│  │    Registry    │   │  write-behind  │   │   Repository   │    │
//	│  │ (registry.go)  │──▶│  (persist.go)  │──▶│(repository.go) │    │
//	│  │                │   │                │   │                │    │
//	│  │ • per-device   │   │ • coalesces    │   │ • SQLite JSON  │    │
//	│  │   locks        │   │   per client   │   │   documents    │    │
//	│  │ • snapshots    │   │ • never blocks │   │                │    │
//	│  └───────┬────────┘   └────────────────┘   └────────────────┘    │
//	│          │ evaluate                                              │
//	│          ▼                                                       │
//	│  ┌────────────────┐                                              │
//	│  │   reporting    │                                              │
//	│  └────────────────┘                                              │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Concurrency
//
// Each device has its own mutex, so operations on one client id are
// linearised while different devices proceed in parallel. Records are
// immutable once published: a mutation copies the current record, edits the
// copy and swaps it in. Find and List therefore never wait on a mutation,
// and callers always receive their own deep copy.
//
// Persistence happens after the swap, on a background writer. Repository
// I/O never runs under a registry lock.
//
// # Usage
//
//	reg := registry.New(registry.NewSQLiteRepository(db.DB), registry.Options{
//	    AllowRenew:      true,
//	    DefaultLifetime: 86400,
//	})
//	defer reg.Close(ctx)
//
//	if err := reg.Load(ctx); err != nil {
//	    return err
//	}
//	outcome, dev, err := reg.Register(ctx, "dev1", registry.Metadata{Lifetime: 300})
package registry
