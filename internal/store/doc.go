// Package store provides persistent storage for coven-council using SQLite.
//
// # Architecture
//
// The store package splits persistence into narrow interfaces so each core
// component depends only on what it uses:
//
//   - MessageStore: save/fetch messages, paging, counting, per-agent history
//   - ConversationStore: conversation rows (topic, participants, activity)
//   - MeetingStore: meeting rows, conditional lifecycle writes, sequenced messages
//
// Store composes all three. SQLiteStore and MockStore implement Store.
//
// # Drivers
//
// Two database/sql drivers are linked in:
//
//   - "sqlite": modernc.org/sqlite (pure Go, default)
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo)
//
//	s, err := store.Open(store.DriverModernc, "/var/lib/coven-council/council.db")
//
// The store enables WAL mode and foreign keys and keeps a single connection,
// since SQLite has one writer.
//
// # Sequencing
//
// SaveMeetingMessage increments a meeting's last_sequence and inserts the
// message in the same transaction, and only while the meeting is active.
// Concurrent callers therefore receive distinct, gapless numbers. A unique
// index over (meeting_id, sequence_number) backs this up.
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC strings with nanosecond precision
// so that lexical order equals chronological order.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: an id is already taken
//   - ErrStateConflict: a conditional meeting write found another state
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(t.TempDir()+"/x.db")
// for integration tests.
package store
