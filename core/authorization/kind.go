package authorization

import (
	"fmt"
	"strings"
)

// Kind is the action a signature authorises. It is part of the signed payload
// so a screening signature can never be replayed against the claim entry point.
type Kind uint8

const (
	KindScreen Kind = iota + 1
	KindClaim
)

func (k Kind) Valid() bool {
	switch k {
	case KindScreen, KindClaim:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindScreen:
		return "screen"
	case KindClaim:
		return "claim"
	default:
		return "unknown"
	}
}

// ParseKind accepts the lower-case names returned by String.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "screen", "screening":
		return KindScreen, nil
	case "claim", "claiming":
		return KindClaim, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}
