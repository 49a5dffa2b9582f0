// Package database provides SQLite connectivity for the shepherd.
//
// The store holds device records (one JSON document per client id) and the
// lifecycle audit log. It manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Embedded, versioned schema migrations
//   - Health checks for the /health endpoint
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
