// Package storage is the relational persistence layer.
//
// It owns the SQLite database holding the course catalog, announcements and
// per-recipient delivery records, and exposes the narrow query/update surface
// the jobs and notices services need. Schema lives in migrations.sql and is
// applied on open.
package storage
