package disintegrate

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// snapshotNamespace scopes the derived snapshot ids. Deterministic so that
// snapshots are shared across processes and deploys.
var snapshotNamespace = uuid.MustParse("9f2c1f60-6db2-4b86-9a3e-3f8f4b1d2c11")

// Fingerprint returns the canonical fingerprint of a query: a hex SHA-256
// over the normalized byte-exact form. Queries with equal normalized forms
// share the fingerprint, so compatible queries share snapshots.
func Fingerprint(q StreamQuery) string {
	sum := sha256.Sum256([]byte(CanonicalForm(q)))
	return hex.EncodeToString(sum[:])
}

// snapshotID derives the snapshot row id from the advisory name and the
// query's normalized form, per the schema contract id = hash(name, query).
func snapshotID(name, fingerprint string) uuid.UUID {
	return uuid.NewSHA1(snapshotNamespace, []byte(name+"\n"+fingerprint))
}
