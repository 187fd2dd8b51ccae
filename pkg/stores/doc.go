// Package stores persists reconciliation history in SQLite.
//
// SQLiteStore records every cycle report with the outcome of each issue, and
// an audit trail of explicit plan updates. It implements engine.ReportSink so
// the loop can write to it directly. Schema changes ship as embedded
// golang-migrate migrations.
package stores
