// Package stores persists task sequence descriptions, runs, task outcomes and
// events in SQLite.
//
// SQLiteStore implements engine.SequenceCatalog and engine.RunJournal. Its
// schema is created by embedded migrations, and EventSink turns the store into
// a telemetry subscriber that writes the run timeline next to the journal.
package stores
