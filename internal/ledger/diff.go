package ledger

import "bytes"

// EntryChange is one row of a two-way content diff: the entry as it existed
// under Base and as it exists under Target. A nil Base means the key was
// added; a nil Target means it was deleted.
type EntryChange struct {
	Key    []byte
	Base   *Entry
	Target *Entry
}

// sameValue reports whether two entries reference the same committed value
// (digest equality, ignoring priority/entry id bookkeeping that the merge
// layer does not treat as a conflict signal).
func sameValue(a, b *Entry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Value.Digest.Equal(b.Value.Digest)
}

// flattenTree performs a full in-order traversal of the tree rooted at root,
// returning every entry in key order. A nil root (the caller passing no
// identifier at all, as opposed to the canonical empty-tree identifier)
// yields an empty result, used by diffs against the page's very first
// commit before any B-tree root has ever been persisted.
func flattenTree(loader NodeLoader, root *ObjectIdentifier) ([]Entry, error) {
	if root == nil {
		return nil, nil
	}
	node, err := loader.LoadNode(*root)
	if err != nil {
		return nil, err
	}
	var out []Entry
	if err := flattenNode(loader, node, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenNode(loader NodeLoader, node *BTreeNode, out *[]Entry) error {
	if node.isLeaf() {
		*out = append(*out, node.Entries...)
		return nil
	}
	for i, entry := range node.Entries {
		child, err := loader.LoadNode(node.Children[i])
		if err != nil {
			return err
		}
		if err := flattenNode(loader, child, out); err != nil {
			return err
		}
		*out = append(*out, entry)
	}
	lastChild, err := loader.LoadNode(node.Children[len(node.Children)-1])
	if err != nil {
		return err
	}
	return flattenNode(loader, lastChild, out)
}

// DiffContents computes the two-way diff between the trees rooted at base
// and target, used by GetCommitContentsDiff and by Page.GetPendingChanges
// (a journal's base commit vs. its in-progress staged root).
func DiffContents(loader NodeLoader, base, target *ObjectIdentifier) ([]EntryChange, error) {
	if base != nil && target != nil && base.Digest.Equal(target.Digest) {
		return nil, nil
	}
	baseEntries, err := flattenTree(loader, base)
	if err != nil {
		return nil, err
	}
	targetEntries, err := flattenTree(loader, target)
	if err != nil {
		return nil, err
	}

	var out []EntryChange
	i, j := 0, 0
	for i < len(baseEntries) || j < len(targetEntries) {
		switch {
		case i >= len(baseEntries):
			e := targetEntries[j]
			out = append(out, EntryChange{Key: e.Key, Target: &targetEntries[j]})
			j++
		case j >= len(targetEntries):
			e := baseEntries[i]
			out = append(out, EntryChange{Key: e.Key, Base: &baseEntries[i]})
			i++
		default:
			cmp := bytes.Compare(baseEntries[i].Key, targetEntries[j].Key)
			switch {
			case cmp < 0:
				out = append(out, EntryChange{Key: baseEntries[i].Key, Base: &baseEntries[i]})
				i++
			case cmp > 0:
				out = append(out, EntryChange{Key: targetEntries[j].Key, Target: &targetEntries[j]})
				j++
			default:
				if !sameValue(&baseEntries[i], &targetEntries[j]) {
					out = append(out, EntryChange{Key: baseEntries[i].Key, Base: &baseEntries[i], Target: &targetEntries[j]})
				}
				i++
				j++
			}
		}
	}
	return out, nil
}

// ThreeWayChange is one row of a three-way diff: a key's value under the
// common ancestor and under each of the two diverging commits. Any of the
// three may be nil (absent in that version).
type ThreeWayChange struct {
	Key   []byte
	Base  *Entry
	Left  *Entry
	Right *Entry
}

// IsConflicting reports whether this key needs resolver input: left and
// right both diverge from base, and from each other. This mirrors spec.md
// §4.5's definition of automatic mergeability inverted: "An
// automatically-mergeable conflict is one where for each key, base==left or
// base==right or left==right."
func (c ThreeWayChange) IsConflicting() bool {
	return !sameValue(c.Base, c.Left) && !sameValue(c.Base, c.Right) && !sameValue(c.Left, c.Right)
}

// DiffThreeWay computes the three-way diff between base and the two diverging
// roots left/right, used by GetThreeWayContentsDiff and by MergeResolver to
// classify each touched key as auto-mergeable or conflicting.
func DiffThreeWay(loader NodeLoader, base, left, right *ObjectIdentifier) ([]ThreeWayChange, error) {
	baseEntries, err := flattenTree(loader, base)
	if err != nil {
		return nil, err
	}
	leftEntries, err := flattenTree(loader, left)
	if err != nil {
		return nil, err
	}
	rightEntries, err := flattenTree(loader, right)
	if err != nil {
		return nil, err
	}

	byKey := func(entries []Entry) map[string]*Entry {
		m := make(map[string]*Entry, len(entries))
		for i := range entries {
			m[string(entries[i].Key)] = &entries[i]
		}
		return m
	}
	baseMap, leftMap, rightMap := byKey(baseEntries), byKey(leftEntries), byKey(rightEntries)

	seen := make(map[string]bool)
	var keys [][]byte
	for _, entries := range [][]Entry{baseEntries, leftEntries, rightEntries} {
		for _, e := range entries {
			k := string(e.Key)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, e.Key)
			}
		}
	}

	var out []ThreeWayChange
	for _, k := range keys {
		ks := string(k)
		b, l, r := baseMap[ks], leftMap[ks], rightMap[ks]
		if sameValue(b, l) && sameValue(b, r) {
			continue // unchanged on both sides
		}
		out = append(out, ThreeWayChange{Key: k, Base: b, Left: l, Right: r})
	}
	sortThreeWay(out)
	return out, nil
}

func sortThreeWay(changes []ThreeWayChange) {
	for i := 1; i < len(changes); i++ {
		for j := i; j > 0 && bytes.Compare(changes[j-1].Key, changes[j].Key) > 0; j-- {
			changes[j-1], changes[j] = changes[j], changes[j-1]
		}
	}
}
