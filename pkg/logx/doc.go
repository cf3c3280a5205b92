// Package logx wraps zerolog behind a small structured-logging facade.
//
// Components hold a Logger value; the Service owns the sinks (console, file)
// and can swap level/outputs at runtime via Apply() without invalidating
// loggers already handed out.
package logx
