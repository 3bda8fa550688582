package claim

import "fmt"

// Result codes. Mutating entry points never return a bare error to callers;
// they classify every outcome into one of these.
const (
	CodeOK             = "OK"
	CodeAlreadyClaimed = "E_ALREADY_CLAIMED"
	CodeNotClaimed     = "E_NOT_CLAIMED"
	CodeNoPermission   = "E_NO_PERMISSION"
	CodeOutOfArea      = "E_OUT_OF_AREA"
	CodeStore          = "E_STORE"
	CodeLockTimeout    = "E_LOCK_TIMEOUT"
	CodeInconsistent   = "E_INCONSISTENT"
)

// Result is the structured outcome of a single-chunk operation. Claim is the
// new claim on success, or the existing claim on E_ALREADY_CLAIMED when it
// was readable.
type Result struct {
	OK      bool
	Code    string
	Message string
	Claim   *Claim
}

func success(msg string, c *Claim) Result {
	return Result{OK: true, Code: CodeOK, Message: msg, Claim: c}
}

func failure(code, msg string) Result {
	return Result{OK: false, Code: code, Message: msg}
}

func alreadyClaimed(existing *Claim) Result {
	msg := "chunk is already claimed"
	if existing != nil {
		msg = fmt.Sprintf("chunk is already claimed by %s", existing.Owner.Name)
	}
	return Result{OK: false, Code: CodeAlreadyClaimed, Message: msg, Claim: existing}
}

// BatchResult reports a bulk conversion. In all-or-nothing mode Converted is
// either 0 or Requested; in best-effort mode callers must compare the counts
// instead of assuming atomicity across the set.
type BatchResult struct {
	OK        bool
	Code      string
	Message   string
	Requested int
	Converted int
	Failed    []ChunkKey
}
