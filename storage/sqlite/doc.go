// Package sqlite stores meetings, audit records and webhook notifications in
// a single SQLite file using the pure-Go modernc.org/sqlite driver.
//
// The schema is created by embedded migrations when the store is opened.
package sqlite
