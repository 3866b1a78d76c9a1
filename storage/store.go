// Package storage provides the artifact store abstraction: a flat namespace
// of slash-separated relative paths holding the PKI tree of one instance.
package storage

// Store persists the artifacts of a single PKI instance. Implementations must
// make every Put atomic (a reader sees the old or the new bytes, never a mix)
// and must return errs.NotFound for missing paths and errs.InvalidInput for
// malformed ones.
type Store interface {
	Put(path string, data []byte) error
	Get(path string) ([]byte, error)
	// List returns every path under prefix, sorted. An empty prefix lists all.
	List(prefix string) ([]string, error)
	Exists(path string) (bool, error)
	Delete(path string) error
	// Replace swaps the entire tree for files in one step.
	Replace(files map[string][]byte) error
}
