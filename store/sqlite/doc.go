// Package sqlite implements store.Store on database/sql with the
// modernc.org/sqlite driver. Suitable for single-node deployments, CLI
// tools, and embedded use where durability matters but a server
// database is overkill.
//
// The caller owns the *sql.DB lifecycle; the Store never closes it.
// Open the database with _txlock=immediate so ledger mutations take
// their write lock up front:
//
//	db, _ := sql.Open("sqlite", "file:folio.db?_txlock=immediate")
//	st := sqlite.New(db)
//	st.Migrate(ctx)
package sqlite
