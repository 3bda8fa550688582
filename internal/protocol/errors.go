package protocol

import "chunkclaim.dev/internal/claim"

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:       {},
	claim.CodeOK:             {},
	claim.CodeAlreadyClaimed: {},
	claim.CodeNotClaimed:     {},
	claim.CodeNoPermission:   {},
	claim.CodeOutOfArea:      {},
	claim.CodeStore:          {},
	claim.CodeLockTimeout:    {},
	claim.CodeInconsistent:   {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
