package persona

import "fmt"

// ErrorCode classifies registry failures.
type ErrorCode string

const (
	CodeDuplicate         ErrorCode = "duplicate"
	CodeInvalidName       ErrorCode = "invalid-name"
	CodeNotFound          ErrorCode = "not-found"
	CodeNotArchived       ErrorCode = "not-archived"
	CodeSystemCritical    ErrorCode = "system-critical"
	CodeInvalidTransition ErrorCode = "invalid-transition"
	CodeAliasConflict     ErrorCode = "alias-conflict"
	CodeAliasAmbiguous    ErrorCode = "alias-ambiguous"
	CodeAliasNotFound     ErrorCode = "alias-not-found"
)

// RegistryError is surfaced to the command caller and never retried.
type RegistryError struct {
	Code    ErrorCode
	Message string
}

func (e *RegistryError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is matches any RegistryError with the same code.
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	return ok && t.Code == e.Code
}

var (
	ErrDuplicate         = &RegistryError{Code: CodeDuplicate}
	ErrInvalidName       = &RegistryError{Code: CodeInvalidName}
	ErrNotFound          = &RegistryError{Code: CodeNotFound}
	ErrNotArchived       = &RegistryError{Code: CodeNotArchived}
	ErrSystemCritical    = &RegistryError{Code: CodeSystemCritical}
	ErrInvalidTransition = &RegistryError{Code: CodeInvalidTransition}
	ErrAliasConflict     = &RegistryError{Code: CodeAliasConflict}
	ErrAliasAmbiguous    = &RegistryError{Code: CodeAliasAmbiguous}
	ErrAliasNotFound     = &RegistryError{Code: CodeAliasNotFound}
)

func newError(code ErrorCode, format string, args ...any) error {
	return &RegistryError{Code: code, Message: fmt.Sprintf(format, args...)}
}
