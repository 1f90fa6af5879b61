package storage

import "errors"

var (
	errNilState = errors.New("storage engine: state not configured")

	// Validation errors.
	ErrUnauthorized         = errors.New("storage: caller not authorized")
	ErrInvalidSignature     = errors.New("storage: invalid signature")
	ErrQuorumNotMet         = errors.New("storage: checkpoint quorum not met")
	ErrPaymentExceedsMax    = errors.New("storage: payment exceeds max payment")
	ErrDurationOutOfBounds  = errors.New("storage: duration outside provider bounds")
	ErrExtensionsBlocked    = errors.New("storage: extensions blocked")
	ErrFrozenStartSeq       = errors.New("storage: start sequence frozen")
	ErrStartSeqRegression   = errors.New("storage: canonical range would move backwards")
	ErrNotAccepting         = errors.New("storage: provider not accepting agreements")
	ErrInvalidArgument      = errors.New("storage: invalid argument")
	ErrAlreadyFrozen        = errors.New("storage: bucket already frozen")
	ErrLastAdmin            = errors.New("storage: bucket must keep an admin")
	ErrPrimaryCapacity      = errors.New("storage: primary provider slots full")
	ErrNotCurrentSigner     = errors.New("storage: provider did not sign current snapshot")
	ErrNoSnapshot           = errors.New("storage: bucket has no snapshot")
	ErrLeafOutOfRange       = errors.New("storage: leaf index outside committed range")
	ErrNotReplica           = errors.New("storage: agreement is not a replica")
	ErrNoSync               = errors.New("storage: replica has not confirmed a sync")
	ErrProviderBusy         = errors.New("storage: provider still has committed bytes")
	ErrIdentityNotDistinct  = errors.New("storage: identity already registered")
	ErrAgreementSlashed     = errors.New("storage: agreement slashed")
	ErrAgreementNotSlashed  = errors.New("storage: agreement not slashed")
	ErrAgreementExpired     = errors.New("storage: agreement expired")
	ErrNotExpired           = errors.New("storage: agreement not expired")
	ErrSettlementOpen       = errors.New("storage: settlement window still open")
	ErrSettlementClosed     = errors.New("storage: settlement window closed")
	ErrRequestExpired       = errors.New("storage: request expired")
	ErrRequestNotExpired    = errors.New("storage: request not expired")
	ErrChallengeExpired     = errors.New("storage: challenge deadline passed")
	ErrChallengeNotExpired  = errors.New("storage: challenge deadline not reached")
	ErrUnknownResponse      = errors.New("storage: unknown response kind")
	ErrProviderExists       = errors.New("storage: provider already registered")
	ErrAgreementExists      = errors.New("storage: agreement already exists")
	ErrRequestExists        = errors.New("storage: request already pending")
	ErrProviderNotFound     = errors.New("storage: provider not found")
	ErrBucketNotFound       = errors.New("storage: bucket not found")
	ErrAgreementNotFound    = errors.New("storage: agreement not found")
	ErrRequestNotFound      = errors.New("storage: request not found")
	ErrChallengeNotFound    = errors.New("storage: challenge not found")
	ErrAmountOverflow       = errors.New("storage: amount overflow")
	ErrInvalidAmount        = errors.New("storage: amount must be positive")
	ErrMemberNotFound       = errors.New("storage: member not found")
	ErrMinProvidersTooLarge = errors.New("storage: min providers exceeds primary capacity")

	// Proof errors.
	ErrInvalidProof = errors.New("storage: invalid proof")
	ErrNoRootMatch  = errors.New("storage: no claimed root matches ledger state")

	// Economic errors.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
	ErrStakeBelowMinimum   = errors.New("storage: stake below minimum")
	ErrQuotaExceeded       = errors.New("storage: provider capacity exceeded")
)
