package integrity

import (
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/metadata"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/skiplist"
)

// ListingHash returns the content hash of a file listing. Modification times
// don't contribute to the hash.
func ListingHash(entries []protocol.FileEntry) string {
	sorted := append([]protocol.FileEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})

	h := sha512.New()
	for _, entry := range sorted {
		fmt.Fprintf(h, "%s\t%s\t%d\n", entry.Key, entry.Etag, entry.Size)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// CacheEntries converts the storage cache into a listing.
func CacheEntries(cache map[string]metadata.StorageRecord) []protocol.FileEntry {
	entries := make([]protocol.FileEntry, 0, len(cache))
	for key, record := range cache {
		entries = append(entries, protocol.FileEntry{
			Key:    key,
			Etag:   record.Etag,
			Size:   record.Size,
			Lmtime: record.Lmtime,
		})
	}
	return entries
}

// ListingBasis returns the basis of the dataset described by `entries`.
func ListingBasis(entries []protocol.FileEntry) string {
	files := map[string]string{}
	for _, entry := range entries {
		files[entry.Key] = entry.Etag
	}
	return skiplist.ComputeBasis(files)
}

// Verdict is the outcome of reconciling a remote listing.
type Verdict int

const (
	// Unchanged means the server reports the trusted state.
	Unchanged Verdict = iota

	// PreviouslyAccepted means the server reports a state the user already
	// approved.
	PreviouslyAccepted

	// NeedsApproval means the server reports a new state, which the user has
	// to approve before it's applied.
	NeedsApproval
)

func (v Verdict) String() string {
	switch v {
	case Unchanged:
		return "unchanged"
	case PreviouslyAccepted:
		return "previously accepted"
	case NeedsApproval:
		return "needs approval"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Listing is the remote state reported at the start of a sync, along with the
// local records it's checked against.
type Listing struct {
	ServerBasis  string
	Dataset      []protocol.FileEntry
	StorageCache map[string]metadata.StorageRecord

	// Accepted is the state the user approved last, if any. It spares a
	// prompt only if it was approved against the current trusted basis.
	Accepted *metadata.AcceptedState
}

// Reconcile checks a remote listing against the trusted basis and the accepted
// state. It returns the listing's content hash along with the verdict.
func (m *Manager) Reconcile(listing Listing) (Verdict, string, error) {
	hash := ListingHash(listing.Dataset)

	if root := ListingBasis(listing.Dataset); root != listing.ServerBasis {
		return 0, hash, errors.IntegrityViolation{Reason: fmt.Sprintf(
			"listing recomputes to basis %s, server claims %s", root, listing.ServerBasis)}
	}

	if accepted := listing.Accepted; accepted != nil {
		sameBasis := accepted.Basis == listing.ServerBasis
		sameHash := accepted.ListingHash == hash
		if sameBasis != sameHash {
			return 0, hash, errors.IntegrityViolation{Reason: fmt.Sprintf(
				"listing (%s, %s) contradicts accepted state (%s, %s)",
				listing.ServerBasis, hash, accepted.Basis, accepted.ListingHash)}
		}
	}

	if listing.ServerBasis == m.trusted {
		if cached := ListingHash(CacheEntries(listing.StorageCache)); cached != hash {
			return 0, hash, errors.IntegrityViolation{Reason: fmt.Sprintf(
				"listing for trusted basis %s doesn't match the storage cache", m.trusted)}
		}
		return Unchanged, hash, nil
	}

	if accepted := listing.Accepted; accepted != nil &&
		accepted.Basis == listing.ServerBasis && accepted.Trusted == m.trusted {
		return PreviouslyAccepted, hash, nil
	}
	return NeedsApproval, hash, nil
}
