// Package stores persists convergence run history in SQLite.
//
// A run is recorded once it finishes: the run row with its summary and one
// row per action dispatch. Timeline events are appended as they are
// published, so a run that crashes still leaves its events behind.
// Migrations are embedded and applied with golang-migrate.
package stores
