package domain

import "errors"

var (
	ErrInvalidTransfer     = errors.New("invalid transfer")
	ErrDuplicateTransfer   = errors.New("duplicate transfer")
	ErrEscrowVerification  = errors.New("escrow verification failed")
	ErrPreimageMismatch    = errors.New("fulfillment does not match the execution condition")
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrNotFulfilled        = errors.New("transfer not fulfilled")
	ErrTransferFinalized   = errors.New("transfer already finalized")
	ErrCompilation         = errors.New("contract compilation failed")
	ErrNotConnected        = errors.New("plugin not connected")
	ErrInvalidClause       = errors.New("invalid clause selector")
	ErrInvalidContractArgs = errors.New("invalid contract arguments")
)
