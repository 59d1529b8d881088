package consts

import "errors"

var (
	ErrMailboxNotFound    = errors.New("mailbox not found")
	ErrMailboxDisabled    = errors.New("mailbox disabled or expired")
	ErrMessageNotFound    = errors.New("message not found")
	ErrDomainNotLocal     = errors.New("domain not served here")
	ErrRelayDenied        = errors.New("relay denied")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrMessageTooLarge    = errors.New("message exceeds maximum size")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInternalError      = errors.New("internal error")

	ErrDBNotFound      = errors.New("not found")
	ErrDBInsertFailed  = errors.New("insert failed")
	ErrLockNotAcquired = errors.New("message lock not acquired")
	ErrNoDeliveryHosts = errors.New("no delivery hosts for domain")
)
