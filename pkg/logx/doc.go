// Package logx is nightpilot's structured logging layer on top of zerolog.
//
// Components receive a Logger value and derive their own with With(String("comp", ...)).
// The Service owns the sinks and can be reconfigured at runtime by config reloads.
package logx
