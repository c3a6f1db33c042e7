package repo

import (
	"errors"
	"fmt"

	mast "github.com/jrhy/atmast"
	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/codec"
	"github.com/jrhy/atmast/crypto"
)

var (
	// ErrProofInsufficient is returned when a proof lacks a block needed
	// to reach its conclusion.
	ErrProofInsufficient = errors.New("proof is missing blocks")
	// ErrRevision is returned when revisions do not strictly increase.
	ErrRevision = errors.New("revision out of order")
	// ErrRecordExists is returned for a create of a key already present.
	ErrRecordExists = errors.New("record already exists")
	// ErrDuplicatePath is returned when one batch writes a key twice.
	ErrDuplicatePath = errors.New("path written twice in one commit")
)

// Check names the verification step that failed.
type Check string

const (
	CheckSignature    Check = "signature"
	CheckMissingBlock Check = "missing-block"
	CheckStructure    Check = "structure"
	CheckMalformed    Check = "malformed"
	CheckCid          Check = "cid"
	CheckRevision     Check = "revision"
	CheckValue        Check = "value"
	CheckRoot         Check = "root"
)

// VerifyError reports which check a verification failed.
type VerifyError struct {
	Check Check
	Err   error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verification failed (%s): %v", e.Check, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// CheckOf returns the failed check of a verification error, or "" if
// err is not one.
func CheckOf(err error) Check {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Check
	}
	return ""
}

func classify(err error) Check {
	switch {
	case errors.Is(err, blockstore.ErrNotFound), errors.Is(err, ErrProofInsufficient):
		return CheckMissingBlock
	case errors.Is(err, crypto.ErrInvalidSignature):
		return CheckSignature
	case errors.Is(err, codec.ErrCidMismatch), errors.Is(err, codec.ErrUnsupportedCid):
		return CheckCid
	case errors.Is(err, mast.ErrStructure), errors.Is(err, mast.ErrInvalidKey):
		return CheckStructure
	case errors.Is(err, ErrRevision):
		return CheckRevision
	case errors.Is(err, mast.ErrOpMismatch), errors.Is(err, mast.ErrKeyNotFound):
		return CheckValue
	}
	return CheckMalformed
}

// failure wraps err in a VerifyError naming the check it belongs to,
// unless it already is one.
func failure(err error) error {
	if err == nil {
		return nil
	}
	var ve *VerifyError
	if errors.As(err, &ve) {
		return err
	}
	return &VerifyError{Check: classify(err), Err: err}
}

// insufficient marks a missing block as a gap in a proof.
func insufficient(err error) error {
	if errors.Is(err, blockstore.ErrNotFound) && !errors.Is(err, ErrProofInsufficient) {
		return fmt.Errorf("%w: %w", ErrProofInsufficient, err)
	}
	return err
}
