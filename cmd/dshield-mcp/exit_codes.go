package main

// Exit codes so supervisors can distinguish failure classes.

const (
	// ExitCodeSuccess indicates a clean shutdown.
	ExitCodeSuccess = 0

	// ExitCodeConfigError indicates configuration loading or validation failed.
	ExitCodeConfigError = 1

	// ExitCodeBackendError indicates an unrecoverable backend failure at startup.
	ExitCodeBackendError = 2

	// ExitCodeSignal indicates termination was initiated by SIGINT or SIGTERM.
	ExitCodeSignal = 3
)
