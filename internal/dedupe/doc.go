// Package dedupe suppresses redelivered protocol messages.
//
// A Filter remembers message ids it has admitted for a bounded window of
// time and entries. Wire ingestion calls Admit before persisting, and
// Release when persistence fails so the sender may retry the same id.
package dedupe
