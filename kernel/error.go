package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to early kernel code
// so we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string

	// An optional numeric code that callers can match on when the same
	// module reports more than one recoverable condition.
	Code uint32
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
