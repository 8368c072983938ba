/*
Package eventlog records integration events in a SQL table so they can be saved in
the same transaction as business changes and marked after publication (outbox pattern).
The bundled schema targets SQLite through modernc.org/sqlite.
*/
package eventlog
