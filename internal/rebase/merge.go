package rebase

import (
	"github.com/thoreinstein/snapkeep/internal/metadata"
)

// mergeResult is the union of a parent and child manifest together with the
// archive members that must move from the parent into the child.
type mergeResult struct {
	merged []metadata.Record
	delta  []metadata.Record
}

// members returns the archive member names listed in the delta.
func (r mergeResult) members() []string {
	var out []string
	for _, rec := range r.delta {
		for _, e := range rec.Entries {
			out = append(out, metadata.MemberName(rec.Path(e.Name)))
		}
	}
	return out
}

// merge folds parent into child. Child records keep their order; records
// only the parent has follow in parent order. A name stored by the parent
// (Y) that the child lacks, or marks unchanged (N), becomes stored in the
// merged manifest and goes into the delta.
func merge(parent, child *metadata.Manifest) mergeResult {
	var res mergeResult

	for _, crec := range child.Records() {
		out := crec.Clone()
		prec, ok := parent.Lookup(crec.Dir)
		if !ok {
			res.merged = append(res.merged, out)
			continue
		}

		index := make(map[string]int, len(out.Entries))
		for i, e := range out.Entries {
			index[e.Name] = i
		}
		delta := metadata.Record{Dir: crec.Dir, Stat: crec.Stat}
		for _, pe := range prec.Entries {
			i, present := index[pe.Name]
			switch {
			case !present:
				out.Entries = append(out.Entries, pe)
				if pe.Control == metadata.Included {
					delta.Entries = append(delta.Entries, pe)
				}
			case out.Entries[i].Control == metadata.NotIncluded && pe.Control == metadata.Included:
				out.Entries[i].Control = metadata.Included
				delta.Entries = append(delta.Entries, pe)
			}
		}
		res.merged = append(res.merged, out)
		if len(delta.Entries) > 0 {
			res.delta = append(res.delta, delta)
		}
	}

	for _, prec := range parent.Records() {
		if _, ok := child.Lookup(prec.Dir); ok {
			continue
		}
		res.merged = append(res.merged, prec.Clone())

		delta := metadata.Record{Dir: prec.Dir, Stat: prec.Stat}
		for _, pe := range prec.Entries {
			if pe.Control == metadata.Included {
				delta.Entries = append(delta.Entries, pe)
			}
		}
		if len(delta.Entries) > 0 {
			res.delta = append(res.delta, delta)
		}
	}
	return res
}
