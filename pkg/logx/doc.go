// Package logx is callbot's structured logger: a thin value-type wrapper over
// zerolog with field helpers, a readable console format (short caller, milli
// timestamps), an optional JSON file sink and runtime reconfiguration for
// config hot reload.
package logx
