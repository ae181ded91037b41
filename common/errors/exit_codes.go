package errors

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1

	// Written by run scripts
	LockMissingExitCode = 17

	// Client and daemon specific exit codes
	ConfigFailureExitCode    = 70
	StoreInitFailureExitCode = 71
	ConnectorFailureExitCode = 72
	ServerFailureExitCode    = 73

	RequestFailureExitCode = 80
	NotFoundExitCode       = 81
	ConflictExitCode       = 82

	KilledExitCode = 137
)
