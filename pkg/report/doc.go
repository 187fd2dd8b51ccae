// Package report renders and writes cycle reports.
//
// TableRenderer prints a report for a terminal, JSONSink appends one JSON
// document per cycle, and Multi fans a report out to several sinks. All of
// them implement engine.ReportSink.
package report
