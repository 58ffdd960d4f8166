// Package txn turns contract calls into signed transactions and tracks them
// through submission, inclusion and confirmation.
package txn

import (
	"math/big"

	xerrors "ContractRelay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// CodeEstimation marks a call the node predicts would fail.
	CodeEstimation xerrors.Code = "ESTIMATION_FAILURE"
	// CodeSign marks a malformed key or envelope at signing time.
	CodeSign xerrors.Code = "SIGN_FAILURE"
	// CodeSubmission marks a transaction the node rejected or failed to relay.
	CodeSubmission xerrors.Code = "SUBMISSION_FAILURE"
)

func init() {
	xerrors.Register(CodeEstimation, xerrors.Attributes{
		Message:  "gas estimation failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSign, xerrors.Attributes{
		Message:  "transaction signing failed",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeSubmission, xerrors.Attributes{
		Message:   "transaction submission failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Envelope is a fully populated unsigned transaction. gasPrice and value are
// always zero: the relay only models contract calls on zero-price networks.
type Envelope struct {
	From     common.Address
	To       common.Address
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	Value    *big.Int
	Data     []byte
	// Function is carried for logging only.
	Function string
}
