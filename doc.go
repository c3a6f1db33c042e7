/*
Package mast implements the Merkle Search Tree (MST) that indexes the
records of a signed repository: an immutable, versioned, diffable map
from record paths ("collection/record-key") to record identifiers.
Nodes are stored as DAG-CBOR blocks in any blockstore.Blockstore, so a
tree can be far larger than memory, and two trees can be compared by
loading only the subtrees where they differ.

What are MSTs

The structure is described in "Merkle Search Trees: Efficient
State-Based CRDTs in Open Networks", by Alex Auvolat and François
Taïani, 2019 (https://hal.inria.fr/hal-02303490/document).

MSTs are similar to persistent B-Trees, except an entry's layer
(distance to leaves) is calculated from the key itself, here the
number of leading zero bits of its sha2-256 digest halved. No
rebalancing or rotation is ever needed, and more importantly a set of
entries has exactly one shape regardless of the order they were
inserted in. The root identifier is therefore a commitment to the
contents, and the node encoding is byte-compatible with other
implementations of the same format.

Versions

A *Mast is a handle on one version. Put and Delete return new handles
and leave the receiver untouched; unmodified subtrees are shared
between versions. Handles are safe for concurrent use. Flush or Root
writes the nodes a version created to its store.

Proofs

CoveringProof returns the nodes needed to show that a key is present
or absent, and Invert walks an operation backwards over those nodes,
which lets a verifier check a commit's claimed operations using only
the blocks it shipped with.
*/
package mast
