// Package fraud holds the pure verification checks the escrow engine runs
// before settling a purchase. Nothing here touches storage or the network;
// callers supply the externally-observed facts.
package fraud

import "sort"

// Ownership check reasons.
const (
	ReasonNotYetTransferred = "not_yet_transferred"
	ReasonWrongOwner        = "wrong_owner"
	ReasonOwnerUnknown      = "owner_unknown"
)

// AssetCheck is the result of comparing the frozen asset snapshot against the
// channel's current asset list.
type AssetCheck struct {
	Verified bool
	Missing  []string // in original, absent from current
	Added    []string // in current, absent from original
}

// VerifyAssetIntegrity compares the two id lists as sets. Order and duplicates
// are ignored; any element on one side only fails the check.
func VerifyAssetIntegrity(originalIds, currentIds []string) AssetCheck {
	original := toSet(originalIds)
	current := toSet(currentIds)

	var check AssetCheck
	for id := range original {
		if _, ok := current[id]; !ok {
			check.Missing = append(check.Missing, id)
		}
	}
	for id := range current {
		if _, ok := original[id]; !ok {
			check.Added = append(check.Added, id)
		}
	}
	sort.Strings(check.Missing)
	sort.Strings(check.Added)
	check.Verified = len(check.Missing) == 0 && len(check.Added) == 0
	return check
}

// OwnershipCheck is the result of comparing the observed channel owner against
// the party escrow expects to own it after transfer.
type OwnershipCheck struct {
	Verified bool
	Reason   string
}

// VerifyOwnershipTransfer is verified only when the current owner equals the
// expected owner. A current owner still equal to the previous owner means the
// transfer has not happened yet, which is a transient condition distinct from
// the channel having gone to the wrong party.
func VerifyOwnershipTransfer(expectedOwner, currentOwner, previousOwner string) OwnershipCheck {
	switch {
	case currentOwner == expectedOwner && expectedOwner != "":
		return OwnershipCheck{Verified: true}
	case currentOwner == "":
		return OwnershipCheck{Reason: ReasonOwnerUnknown}
	case currentOwner == previousOwner:
		return OwnershipCheck{Reason: ReasonNotYetTransferred}
	default:
		return OwnershipCheck{Reason: ReasonWrongOwner}
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
