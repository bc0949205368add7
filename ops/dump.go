package ops

import "github.com/mstenber/cowfs/fskey"

// List returns every key in one btree, matching the CLI `list`
// subcommand.
func (self *Filesystem) List(id fskey.BTreeID) ([]fskey.Key, error) {
	return self.Dump(id, fskey.PosMin, fskey.PosMax)
}

// Dump returns every key of btree id in [start, end), backing `dump`
// and the range-taking control-plane operations. Dump applies no
// defaults itself: a caller that wants only one bound passes
// fskey.PosMin or fskey.PosMax for the other, as the CLI does for an
// omitted -s or -e.
func (self *Filesystem) Dump(id fskey.BTreeID, start, end fskey.Position) ([]fskey.Key, error) {
	tree, ok := self.Mgr.Trees[id]
	if !ok {
		return nil, errUnknownBTree(id)
	}
	path, err := tree.IterInit(start)
	if err != nil {
		return nil, err
	}
	var out []fskey.Key
	for {
		k := path.Advance()
		if k == nil || !k.Pos.Less(end) {
			break
		}
		out = append(out, *k)
	}
	return out, nil
}
