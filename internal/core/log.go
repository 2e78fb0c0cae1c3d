package core

import "github.com/rs/zerolog"

// pkgLogger is the library's own diagnostic sink, distinct from the
// caller-registered tracer callbacks in observability.go. It defaults to
// silence so importing this module never writes to stderr uninvited.
var pkgLogger = zerolog.Nop()

// SetLogger installs the zerolog.Logger this module writes internal
// diagnostics to (handle errors, background checkpoint and auto-migration
// step failures, sqlite_sequence restore failures, file-watch events).
// Passing the zero value restores silence.
func SetLogger(l zerolog.Logger) {
	pkgLogger = l
}

func logger() *zerolog.Logger {
	return &pkgLogger
}
