// Package sqlite persists the action journal in SQLite.
package sqlite
