package chain

import "errors"

// Verification errors. The access service maps any of these to its
// user-facing "invalid or unconfirmed transaction" failure; they stay
// distinct here so logs and reconciliation reports can tell them apart.
var (
	ErrTxNotFound     = errors.New("chain: transaction not found")
	ErrTxPending      = errors.New("chain: transaction not yet confirmed")
	ErrTxReverted     = errors.New("chain: transaction reverted")
	ErrWrongRecipient = errors.New("chain: transaction recipient is not the revenue controller")
	ErrWrongSender    = errors.New("chain: transaction sender does not match unlocking user")
	ErrWrongAmount    = errors.New("chain: transaction value does not match unlock price")
)

// IsVerificationFailure reports whether err is one of the typed payment
// verification failures, as opposed to a transport/RPC error.
func IsVerificationFailure(err error) bool {
	for _, sentinel := range []error{
		ErrTxNotFound, ErrTxPending, ErrTxReverted,
		ErrWrongRecipient, ErrWrongSender, ErrWrongAmount,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
