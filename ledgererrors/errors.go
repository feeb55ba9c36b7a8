package ledgererrors

import (
	"errors"
	"strings"
)

// Sandbox (S) Errors - abnormal halts of sandboxed code. All of these are
// recovered at the transaction boundary: the transaction is rejected and the
// next one proceeds.
var (
	ErrSMalformedCode    = errors.New("S1|MalformedCode: Code blob failed the static validation pass before execution.")
	ErrSBadMagic         = errors.New("S2|BadMagic: Code blob does not start with the expected format tag.")
	ErrSTrap             = errors.New("S3|SandboxTrap: Sandboxed code performed an illegal memory access or hit an explicit trap.")
	ErrSUnknownOpcode    = errors.New("S4|UnknownOpcode: Code blob contains an unsupported opcode.")
	ErrSBadJumpTarget    = errors.New("S5|BadJumpTarget: Branch or jump target is not an instruction boundary.")
	ErrSCodeTooLarge     = errors.New("S6|CodeTooLarge: Code blob exceeds the configured code size limit.")
	ErrSUnknownHostCall  = errors.New("S7|UnknownHostCall: Host call identifier is not part of the ABI.")
	ErrSReadOnlyContext  = errors.New("S8|ReadOnlyContext: Validity predicate attempted a storage mutation.")
	ErrSStepLimit        = errors.New("S9|StepLimit: Execution exceeded the hard step ceiling without halting.")
)

// Gas (G) Errors
var (
	ErrGOutOfGas = errors.New("G1|OutOfGas: Transaction exhausted its gas budget.")
)

// Validity (V) Errors
var (
	ErrVPredicateRejected = errors.New("V1|PredicateRejected: An account's validity predicate rejected the transaction.")
	ErrVNoValidSignature  = errors.New("V2|NoValidSignature: Default account policy requires a valid signature and none verified.")
	ErrVDefaultReject     = errors.New("V3|DefaultReject: Chain is configured to reject writes to accounts without a registered predicate.")
	ErrVBadTxEncoding     = errors.New("V4|BadTxEncoding: Transaction bytes failed to decode.")
)

// Store (D) Errors - ErrDCommitFailed is fatal to the node process; a failed
// commit must halt block production rather than risk divergent state.
var (
	ErrDCommitFailed      = errors.New("D1|CommitFailed: Atomic write of a block's entries to the authenticated store failed.")
	ErrDFormatMismatch    = errors.New("D2|FormatMismatch: Persisted store layout version does not match this binary.")
	ErrDCorruptNode       = errors.New("D3|CorruptNode: Merkle node record failed to decode.")
	ErrDHeightRegression  = errors.New("D4|HeightRegression: Block height is not committed height + 1.")
	ErrDBlockScopeMisuse  = errors.New("D5|BlockScopeMisuse: begin_block/deliver/end_block/commit called out of sequence.")
)

// Query (Q) Errors - returned to query callers, never fatal.
var (
	ErrQHeightUnavailable = errors.New("Q1|HeightUnavailable: Requested height is outside the retention window.")
	ErrQInvalidKey        = errors.New("Q2|InvalidKey: Storage key failed to parse.")
	ErrQProofMismatch     = errors.New("Q3|ProofMismatch: Proof does not verify against the given root.")
)

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	parts := strings.SplitN(errStr, ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
