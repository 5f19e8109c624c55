package errs

var (
	ErrArgs         = NewCodeError(ArgsError, "ArgsError")
	ErrNoPermission = NewCodeError(NoPermissionError, "NoPermissionError")
	ErrConfig       = NewCodeError(ConfigError, "ConfigError")
	ErrInternal     = NewCodeError(ServerInternalError, "ServerInternalError")

	ErrStaleState   = NewCodeError(StaleStateError, "StaleStateError")
	ErrPlatformCall = NewCodeError(PlatformCallError, "PlatformCallError")
)
