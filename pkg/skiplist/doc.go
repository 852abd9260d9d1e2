/*
Package skiplist implements the authenticated skip list that lets the client
verify every change the storage server claims to make, without trusting the
server's own bookkeeping.

Every pathname stored on the server is a key in a skip list. A key's tower
height is derived from the hash of the key, so the shape of the list is a pure
function of the stored keys. Every node carries a label that hashes the node's
own fields together with the labels of its lower child (the same key one level
down) and its right child (the next key at the same level, when that key's
tower ends at this level). The label of the top node of the -INF tower is the
basis: a fingerprint of the whole dataset.

A proof for an operation is one or two computation paths. Each path starts at
a leaf and climbs to the root, carrying label-only proxies for the subtrees it
doesn't traverse. The client replays each path to recompute the basis, checks
that the paths justify the operation (for example, that the two paths of an
insertion are adjacent, so that no key hides between them), and then computes
the basis that results from applying the operation.

Nodes replayed from a proof live in an arena owned by the Proof, and refer to
each other by index.
*/
package skiplist
