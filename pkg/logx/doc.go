// Package logx is the structured logging layer shared by every campaignd
// component. Loggers are cheap values over zerolog; the Service behind them
// rebuilds console and JSON file sinks when configuration is reloaded.
package logx
