// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Profile-path engine errors.
var (
	// ErrPathNotMatched indicates no path-def matched an accepted connection.
	ErrPathNotMatched = &TurbulenceError{
		Kind:   ErrNoMatchingPath,
		Detail: "no profile path definition matched the connection",
	}

	// ErrProfileDenied indicates the mask denied a channel-start request.
	ErrProfileDenied = &TurbulenceError{
		Kind:   ErrPolicyDeny,
		Detail: "profile denied by profile path policy",
	}

	// ErrServerNameBound indicates a second, conflicting serverName was seen.
	ErrServerNameBound = &TurbulenceError{
		Kind:   ErrPolicyDeny,
		Detail: "serverName already bound to a different value on this connection",
	}

	// ErrAllowWithChildren indicates an <allow> node was configured with children.
	ErrAllowWithChildren = &TurbulenceError{
		Kind:   ErrConfigInvalid,
		Detail: "allow item must not declare children",
	}

	// ErrGroupWithoutUser indicates run-as-group was set without run-as-user.
	ErrGroupWithoutUser = &TurbulenceError{
		Kind:   ErrConfigInvalid,
		Detail: "run-as-group requires run-as-user",
	}

	// ErrNoPathDefs indicates the configuration declared zero path-defs.
	ErrNoPathDefs = &TurbulenceError{
		Kind:   ErrConfigInvalid,
		Detail: "profile-path-configuration must declare at least one path-def",
	}

	// ErrUnknownUser indicates run-as-user did not resolve to a system uid.
	ErrUnknownUser = &TurbulenceError{
		Kind:   ErrConfigInvalid,
		Detail: "run-as-user does not resolve to a known system user",
	}
)

// Process supervisor errors.
var (
	// ErrChildLimitReached indicates a child could not be spawned because the
	// effective per-path or global child limit was reached.
	ErrChildLimitReached = &TurbulenceError{
		Kind:   ErrChildSpawnFailed,
		Detail: "child process limit reached",
	}

	// ErrControlSocketFailed indicates the Unix-domain control socket could
	// not be created or connected within the timeout.
	ErrControlSocketFailed = &TurbulenceError{
		Kind:   ErrChildSpawnFailed,
		Detail: "failed to establish control socket",
	}

	// ErrLinkTimeout indicates the parent-child BEEP link did not connect
	// back within the 10s timeout (spec §5).
	ErrLinkTimeout = &TurbulenceError{
		Kind:   ErrChildLinkLost,
		Detail: "parent-child link did not connect within timeout",
	}

	// ErrChildNotFound indicates an operation referenced an unknown pid.
	ErrChildNotFound = &TurbulenceError{
		Kind:   ErrInternal,
		Detail: "child process not found",
	}

	// ErrRefcountUnderflow indicates a child's refcount dropped below zero.
	ErrRefcountUnderflow = &TurbulenceError{
		Kind:   ErrInternal,
		Detail: "child refcount underflow",
	}
)

// Module host errors.
var (
	// ErrModuleInitRejected indicates a module's init() returned failure.
	ErrModuleInitRejected = &TurbulenceError{
		Kind:   ErrModuleInitFailed,
		Detail: "module init callback returned failure",
	}

	// ErrCleanStartAbort indicates clean-start policy requires process exit.
	ErrCleanStartAbort = &TurbulenceError{
		Kind:   ErrModuleInitFailed,
		Detail: "clean-start requires aborting process after module init failure",
	}
)

// Transport/descriptor errors.
var (
	// ErrBadDescriptor indicates a watched fd became invalid (EBADF).
	ErrBadDescriptor = &TurbulenceError{
		Kind:   ErrTransportFault,
		Detail: "descriptor is no longer valid",
	}
)
