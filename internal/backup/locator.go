package backup

import (
	"time"
)

// bundleTimeLayout matches the ISO-8601 form used for existing bundle keys
// (millisecond precision, UTC, Z suffix).
const bundleTimeLayout = "2006-01-02T15:04:05.000Z"

// RepositoryPrefix returns the key prefix under which all of a repository's objects live
func RepositoryPrefix(repo string) string {
	return repo + "/"
}

// BundleKey returns the key of a bundle written at t
func BundleKey(repo string, t time.Time) string {
	return RepositoryPrefix(repo) + t.UTC().Format(bundleTimeLayout) + ".bundle"
}

// ObjectKey returns the content-addressed key of a ref archive
func ObjectKey(repo, sha string) string {
	return RepositoryPrefix(repo) + "objects/" + sha + ".tar.gz"
}

// PointerKey returns the key holding the sha a named ref currently points to
func PointerKey(repo string, kind RefKind, name string) string {
	return RepositoryPrefix(repo) + string(kind) + "/" + name
}
