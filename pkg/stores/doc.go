// Package stores persists what the bridge did: sessions with their command
// results, precached resources, and the raw lifecycle event log. The journal
// is SQLite in WAL mode with embedded migrations.
package stores
