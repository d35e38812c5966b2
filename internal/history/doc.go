// Package history keeps a SQLite record of the requests the bot answered.
package history
