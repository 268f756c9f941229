// Package database provides SQLite connectivity for the lease journal.
//
// The journal is an audit trail of lease lifecycle events. Live lease state is
// never read back from it: the inventory service remains authoritative and the
// in-memory lease table is rebuilt by reconciliation.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
