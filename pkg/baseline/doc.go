// Package baseline records the last observed checksum of each managed
// resource so drift can be detected across runs.
//
// A Store holds the table in memory and persists it through a Backend:
//
//   - FileBackend: a YAML document written atomically
//   - SQLiteBackend: a SQLite database with embedded migrations
//   - BoltBackend: a bbolt key/value file
//   - MemoryBackend: process memory only
//
// The lifecycle is explicit: Init, Load at the start of a run, Save at the
// end, Clear to forget everything and Close to release the backend.
package baseline
