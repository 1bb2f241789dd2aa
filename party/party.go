// Package party implements the data model of spec.md §3: party/share
// indexing, the persisted PartyInfo record, and Init sanitization
// (spec.md §4.10). None of this depends on the protocol engine or the
// transport — it is pure data plus validation, the way the teacher's
// crypto/types.go is pure interfaces plus sentinel errors with no I/O.
package party

import (
	"errors"
	"fmt"
	"sort"
)

// MaxPartyShareCount and MaxTotalShareCount bound a single party's
// share count and the sum across all parties (spec.md §4.10).
const (
	MaxPartyShareCount = 10
	MaxTotalShareCount = 1000
)

var (
	ErrShareCountMismatch = errors.New("party: share_counts length does not match party_uids length")
	ErrIndexOutOfRange    = errors.New("party: my_party_index out of range")
	ErrShareCountTooLarge = errors.New("party: share count exceeds MAX_PARTY_SHARE_COUNT")
	ErrTotalSharesTooLarge = errors.New("party: total share count exceeds MAX_TOTAL_SHARE_COUNT")
	ErrThresholdInvalid   = errors.New("party: threshold must be less than total share count")
	ErrDuplicateUID       = errors.New("party: duplicate party uid")
	ErrUnknownUID         = errors.New("party: uid not present in key's party list")
	ErrBadMessageLength   = errors.New("party: message_to_sign must be 32 bytes")
	ErrNoSharesAssigned   = errors.New("party: no shares assigned to this party")
)

// ShareCounts maps a flat engine share index to (party index, subindex)
// and back. It is built from a party_uids-ordered slice of per-party
// share counts and is a bijection over [0, total).
type ShareCounts struct {
	Counts []int
}

// Total returns the sum of all share counts.
func (s ShareCounts) Total() int {
	total := 0
	for _, c := range s.Counts {
		total += c
	}
	return total
}

// FlatIndex returns the engine-flat share index for (partyIndex, subindex).
func (s ShareCounts) FlatIndex(partyIndex, subindex int) (int, error) {
	if partyIndex < 0 || partyIndex >= len(s.Counts) {
		return 0, fmt.Errorf("party: party index %d out of range", partyIndex)
	}
	if subindex < 0 || subindex >= s.Counts[partyIndex] {
		return 0, fmt.Errorf("party: subindex %d out of range for party %d", subindex, partyIndex)
	}
	base := 0
	for i := 0; i < partyIndex; i++ {
		base += s.Counts[i]
	}
	return base + subindex, nil
}

// PartyOf inverts FlatIndex: given a flat share index, returns which
// party owns it and at which subindex. This inverse must be a bijection
// with FlatIndex per spec.md §3.
func (s ShareCounts) PartyOf(flatIndex int) (partyIndex, subindex int, err error) {
	if flatIndex < 0 || flatIndex >= s.Total() {
		return 0, 0, fmt.Errorf("party: flat index %d out of range", flatIndex)
	}
	remaining := flatIndex
	for i, c := range s.Counts {
		if remaining < c {
			return i, remaining, nil
		}
		remaining -= c
	}
	return 0, 0, fmt.Errorf("party: flat index %d out of range", flatIndex)
}

// TofndInfo is the persisted uid/share-count/my-index triple of
// spec.md §3 (PartyInfo).
type TofndInfo struct {
	PartyUIDs   []string
	ShareCounts []int
	MyIndex     int
}

// ShareSecretInfo is one local share's secret material, opaque to this
// package (it is produced and consumed by the protocol engine, C5).
type ShareSecretInfo struct {
	Index int
	Bytes []byte
}

// GroupPublicInfo is the per-key public data shared by every share of
// every party: threshold, pubkey, and per-share public data.
type GroupPublicInfo struct {
	Threshold       int
	EncodedPubKey   []byte
	AllSharesBytes  []byte // opaque group-recovery blob
}

// Info is the persisted PartyInfo record of spec.md §3.
type Info struct {
	Group  GroupPublicInfo
	Shares []ShareSecretInfo
	Tofnd  TofndInfo
}

// Validate checks the PartyInfo invariants of spec.md §3.
func (p Info) Validate() error {
	if len(p.Tofnd.ShareCounts) != len(p.Tofnd.PartyUIDs) {
		return ErrShareCountMismatch
	}
	if p.Tofnd.MyIndex < 0 || p.Tofnd.MyIndex >= len(p.Tofnd.PartyUIDs) {
		return ErrIndexOutOfRange
	}
	if len(p.Shares) != p.Tofnd.ShareCounts[p.Tofnd.MyIndex] {
		return fmt.Errorf("party: shares length %d != share_counts[my_index] %d", len(p.Shares), p.Tofnd.ShareCounts[p.Tofnd.MyIndex])
	}
	for i, sh := range p.Shares {
		if sh.Index != i {
			return fmt.Errorf("party: share at position %d has index %d", i, sh.Index)
		}
	}
	return nil
}

// KeygenInit is the raw client-supplied Init frame before sanitization.
type KeygenInit struct {
	NewKeyUID       string
	PartyUIDs       []string
	PartyShareCounts []int
	MyPartyIndex    int
	Threshold       int
}

// SanitizedKeygenInit is a KeygenInit after co-sort and validation
// (spec.md §4.10). PartyUIDs is sorted; MyPartyIndex has been
// recomputed to track the original party after the sort.
type SanitizedKeygenInit struct {
	NewKeyUID    string
	PartyUIDs    []string
	ShareCounts  ShareCounts
	MyPartyIndex int
	Threshold    int
}

// SanitizeKeygenInit validates and co-sorts a KeygenInit per spec.md
// §4.10.
func SanitizeKeygenInit(in KeygenInit) (SanitizedKeygenInit, error) {
	shareCounts := in.PartyShareCounts
	if len(shareCounts) == 0 {
		shareCounts = make([]int, len(in.PartyUIDs))
		for i := range shareCounts {
			shareCounts[i] = 1
		}
	}
	if len(shareCounts) != len(in.PartyUIDs) {
		return SanitizedKeygenInit{}, ErrShareCountMismatch
	}
	if in.MyPartyIndex < 0 || in.MyPartyIndex >= len(in.PartyUIDs) {
		return SanitizedKeygenInit{}, ErrIndexOutOfRange
	}
	for _, c := range shareCounts {
		if c > MaxPartyShareCount {
			return SanitizedKeygenInit{}, ErrShareCountTooLarge
		}
	}

	total := 0
	for _, c := range shareCounts {
		total += c
	}
	if total > MaxTotalShareCount {
		return SanitizedKeygenInit{}, ErrTotalSharesTooLarge
	}
	if in.Threshold >= total {
		return SanitizedKeygenInit{}, ErrThresholdInvalid
	}

	type pair struct {
		uid   string
		count int
	}
	pairs := make([]pair, len(in.PartyUIDs))
	myUID := in.PartyUIDs[in.MyPartyIndex]
	for i := range in.PartyUIDs {
		pairs[i] = pair{uid: in.PartyUIDs[i], count: shareCounts[i]}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].uid < pairs[j].uid })

	sortedUIDs := make([]string, len(pairs))
	sortedCounts := make([]int, len(pairs))
	seen := make(map[string]bool, len(pairs))
	myNewIndex := -1
	for i, p := range pairs {
		if seen[p.uid] {
			return SanitizedKeygenInit{}, ErrDuplicateUID
		}
		seen[p.uid] = true
		sortedUIDs[i] = p.uid
		sortedCounts[i] = p.count
		if p.uid == myUID && myNewIndex == -1 {
			myNewIndex = i
		}
	}

	return SanitizedKeygenInit{
		NewKeyUID:    in.NewKeyUID,
		PartyUIDs:    sortedUIDs,
		ShareCounts:  ShareCounts{Counts: sortedCounts},
		MyPartyIndex: myNewIndex,
		Threshold:    in.Threshold,
	}, nil
}

// SignInit is the raw client-supplied Init frame for a signing session.
type SignInit struct {
	NewSigUID     string
	KeyUID        string
	PartyUIDs     []string
	MessageToSign []byte
}

// SanitizedSignInit maps each requested signer uid to its position in
// the stored key's party list.
type SanitizedSignInit struct {
	NewSigUID     string
	KeyUID        string
	SignerIndices []int
	MessageToSign []byte
}

// SanitizeSignInit resolves in.PartyUIDs against the key's stored
// TofndInfo.PartyUIDs and validates the message length (spec.md §4.10).
func SanitizeSignInit(in SignInit, stored TofndInfo) (SanitizedSignInit, error) {
	if len(in.MessageToSign) != 32 {
		return SanitizedSignInit{}, ErrBadMessageLength
	}
	position := make(map[string]int, len(stored.PartyUIDs))
	for i, uid := range stored.PartyUIDs {
		position[uid] = i
	}
	indices := make([]int, len(in.PartyUIDs))
	for i, uid := range in.PartyUIDs {
		idx, ok := position[uid]
		if !ok {
			return SanitizedSignInit{}, fmt.Errorf("%w: %q", ErrUnknownUID, uid)
		}
		indices[i] = idx
	}
	return SanitizedSignInit{
		NewSigUID:     in.NewSigUID,
		KeyUID:        in.KeyUID,
		SignerIndices: indices,
		MessageToSign: in.MessageToSign,
	}, nil
}
