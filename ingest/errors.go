package ingest

import (
	"github.com/cockroachdb/errors"

	"github.com/cyberinferno/sensor-ingest/sessionlog"
)

// Errors returned or logged by the ingest server. Use errors.Is to classify;
// every returned error is marked with one of these.
var (
	// ErrBind is fatal at startup: the listen address is unavailable.
	ErrBind = errors.New("ingest listener bind failed")
	// ErrFileOpen is fatal at startup: the session log cannot be created.
	ErrFileOpen = sessionlog.ErrOpen
	// ErrListener is fatal at runtime: the listening socket failed.
	ErrListener = errors.New("ingest listener failed")
	// ErrConnectionIO ends one connection after a read failure.
	ErrConnectionIO = errors.New("connection i/o failed")
	// ErrDecode ends one connection after a record that is not valid UTF-8.
	ErrDecode = errors.New("record is not valid text")
	// ErrLogWrite is logged when a record could not be appended.
	ErrLogWrite = sessionlog.ErrWrite
	// ErrAlreadyStarted is returned by Start on a server that was started before.
	ErrAlreadyStarted = errors.New("ingest server already started")
)
