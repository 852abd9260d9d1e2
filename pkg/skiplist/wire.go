package skiplist

// WireProof is the serialized form of a proof, as nested in the response
// details of a REPLICATION_DECLARE_RESPONSE.
type WireProof struct {
	Pathname  string            `json:"pathname"`
	Operation string            `json:"operation"`
	Paths     map[string][]Step `json:"paths"`
}

// Step is one node of a computation path. Steps are ordered from the leaf to
// the root, and every step after the first is the father of the previous one.
type Step struct {
	Pathname string `json:"pathname"`
	Height   int    `json:"height"`

	// Filehash is the content hash of the file. It's only set at height 1.
	Filehash string `json:"filehash,omitempty"`

	// Right and Lower are the children that aren't on the path.
	Right *ProxyRef `json:"right,omitempty"`
	Lower *ProxyRef `json:"lower,omitempty"`
}

// ProxyRef stands in for a node that the path doesn't traverse.
type ProxyRef struct {
	Pathname string `json:"pathname"`
	Height   int    `json:"height"`
	Label    string `json:"label"`
}
