// Package database provides the bridge's SQLite store.
//
// The database holds the accessory registry and the characteristic history.
// It is opened in WAL mode with a single writer connection and a busy
// timeout, and its file is restricted to 0600.
//
// Migrations are additive. Each version ships an .up.sql and a .down.sql
// named YYYYMMDD_HHMMSS_description and is applied in its own transaction:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.Source()); err != nil {
//	    return err
//	}
package database
