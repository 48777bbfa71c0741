package eligibility

import (
	"fmt"
	"strconv"
	"strings"
)

// Version tags a deployed survey contract generation. Surveys record the
// version they were deployed with so clients pick behaviour from the tag
// instead of per-generation bindings.
type Version uint8

const (
	Version1 Version = iota + 1
	Version2
	Version3
	Version4
	Version5
	Version6

	LatestVersion = Version6
)

func (v Version) Valid() bool { return v >= Version1 && v <= Version6 }

func (v Version) String() string {
	if !v.Valid() {
		return "unknown"
	}
	return "v" + strconv.Itoa(int(v))
}

// ParseVersion accepts "6", "v6" or "V6". An empty string yields LatestVersion.
func ParseVersion(raw string) (Version, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "v")
	if trimmed == "" {
		return LatestVersion, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || !Version(n).Valid() {
		return 0, fmt.Errorf("eligibility: unknown contract version %q", raw)
	}
	return Version(n), nil
}

// Capabilities describes what a contract generation supports.
type Capabilities struct {
	Version Version
	// Screening is the signature-gated screenParticipant entry point.
	Screening bool
	// SelfServiceClaim is processRewardClaimByParticipant. Older generations
	// only paid out through researcher-driven batch transfers.
	SelfServiceClaim bool
	// SeparateSignatureSets tracks screening and claiming signatures apart.
	SeparateSignatureSets bool
	// KindBoundSignatures embeds the action kind in the signed payload.
	KindBoundSignatures bool
	Pause               bool
	TargetUpdate        bool
	Withdraw            bool
	// Blacklist marks generations that could remove screened participants.
	// It is reported for migration tooling and never exercised.
	Blacklist bool
}

var capabilityTable = map[Version]Capabilities{
	Version1: {Version: Version1, Withdraw: true},
	Version2: {Version: Version2, Screening: true, Withdraw: true, Blacklist: true},
	Version3: {Version: Version3, Screening: true, Pause: true, Withdraw: true, Blacklist: true},
	Version4: {Version: Version4, Screening: true, SelfServiceClaim: true, Pause: true, Withdraw: true, Blacklist: true},
	Version5: {Version: Version5, Screening: true, SelfServiceClaim: true, SeparateSignatureSets: true, Pause: true, TargetUpdate: true, Withdraw: true},
	Version6: {Version: Version6, Screening: true, SelfServiceClaim: true, SeparateSignatureSets: true, KindBoundSignatures: true, Pause: true, TargetUpdate: true, Withdraw: true},
}

// CapabilitiesOf returns the capability set of v.
func CapabilitiesOf(v Version) (Capabilities, error) {
	caps, ok := capabilityTable[v]
	if !ok {
		return Capabilities{}, fmt.Errorf("eligibility: unknown contract version %d", v)
	}
	return caps, nil
}

// Operation names an entry point for capability checks.
type Operation string

const (
	OpScreen         Operation = "screenParticipant"
	OpClaim          Operation = "processRewardClaimByParticipant"
	OpPause          Operation = "pauseSurvey"
	OpUnpause        Operation = "unpauseSurvey"
	OpUpdateReward   Operation = "updateRewardAmountPerParticipant"
	OpUpdateTarget   Operation = "updateTargetNumberOfParticipants"
	OpWithdraw       Operation = "withdrawAllRewardTokenToResearcher"
	OpReadMembership Operation = "checkIfParticipantIsScreened"
)

// Supports reports whether op can be called on this generation.
func (c Capabilities) Supports(op Operation) bool {
	switch op {
	case OpScreen, OpReadMembership:
		return c.Screening
	case OpClaim:
		return c.SelfServiceClaim
	case OpPause, OpUnpause:
		return c.Pause
	case OpUpdateTarget:
		return c.TargetUpdate
	case OpWithdraw:
		return c.Withdraw
	case OpUpdateReward:
		return c.Version.Valid()
	default:
		return false
	}
}

// Require returns ErrUnsupportedByVersion when op is not available.
func (c Capabilities) Require(op Operation) error {
	if c.Supports(op) {
		return nil
	}
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedByVersion, op, c.Version)
}
