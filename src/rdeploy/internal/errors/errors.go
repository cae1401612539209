package errors

import stderr "errors"

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderr.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderr.As(err, target)
}

var (
	// ConnectionFailedError reports that the remote session could not be established.
	ConnectionFailedError = New("connection failed")
	// MissingBuildConfigError reports that no compiler configuration was found for the module.
	MissingBuildConfigError = New("no build configuration found")
	// InvalidDirectoryError reports that a configured local directory is missing or not a directory.
	InvalidDirectoryError = New("invalid directory")
	// RefuseCleanError reports an attempt to remove the remote default directory.
	RefuseCleanError = New("refusing to clean default directory")
	// ProcessAlreadyRunningError reports a start request while a remote process is still owned.
	ProcessAlreadyRunningError = New("remote process already running")
	// ProcessStillRunningError reports a stop whose exit was never confirmed, even after a kill.
	ProcessStillRunningError = New("remote process did not exit")
	// InstanceRunningError reports that another instance owns the pid file.
	InstanceRunningError = New("process already running")
)

// IsSetupError reports whether the error happened before any remote mutation and should abort the run.
func IsSetupError(e error) bool {
	return stderr.Is(e, ConnectionFailedError) ||
		stderr.Is(e, MissingBuildConfigError) ||
		stderr.Is(e, InvalidDirectoryError)
}
