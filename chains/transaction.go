package chains

import (
	"fmt"
	"sort"

	"github.com/vincentbernat/calico/internal/set"
)

// transaction accumulates the rewrites/deletes of a single batch on top of
// a deep copy of the manager's indexes. It is discarded on failure and
// swapped into the manager on success, so the manager is never left in a
// partially-updated state.
type transaction struct {
	// updates holds the full rendered body (including its leading flush
	// line) for every chain rewritten in this batch.
	updates map[string][]string
	deletes set.Set[string]

	newExplicit  set.Set[string]
	newRequired  map[string]set.Set[string]
	newRequiring map[string]set.Set[string]

	// alreadyStubbed is a snapshot, taken before the batch, of chains that
	// existed only because something required them (i.e. they were
	// already stubs, not explicitly programmed).
	alreadyStubbed set.Set[string]

	cacheValid     bool
	affectedChains set.Set[string]
	chainsToStub   set.Set[string]
	chainsToDelete set.Set[string]
}

func newTransaction(explicit set.Set[string], required, requiring map[string]set.Set[string]) *transaction {
	alreadyStubbed := set.New[string]()
	for chain := range requiring {
		if !explicit.Contains(chain) {
			alreadyStubbed.Add(chain)
		}
	}
	return &transaction{
		updates:        map[string][]string{},
		deletes:        set.New[string](),
		newExplicit:    explicit.Copy(),
		newRequired:    copyIndex(required),
		newRequiring:   copyIndex(requiring),
		alreadyStubbed: alreadyStubbed,
	}
}

func copyIndex(in map[string]set.Set[string]) map[string]set.Set[string] {
	out := make(map[string]set.Set[string], len(in))
	for k, v := range in {
		out[k] = v.Copy()
	}
	return out
}

// storeRewrite records the rewrite of chain to body, depending on deps.
// body must already include its leading flush fragment.
func (t *transaction) storeRewrite(chain string, body []string, deps set.Set[string]) {
	t.updateDeps(chain, deps)
	t.deletes.Discard(chain)
	t.updates[chain] = body
	t.newExplicit.Add(chain)
	t.invalidate()
}

// storeDelete records the deletion of chain.
func (t *transaction) storeDelete(chain string) {
	t.updateDeps(chain, set.New[string]())
	t.deletes.Add(chain)
	delete(t.updates, chain)
	t.newExplicit.Discard(chain)
	t.invalidate()
}

func (t *transaction) updateDeps(chain string, newDeps set.Set[string]) {
	if oldDeps, ok := t.newRequired[chain]; ok {
		for dep := range oldDeps {
			if reverse, ok := t.newRequiring[dep]; ok {
				reverse.Discard(chain)
				if reverse.Len() == 0 {
					delete(t.newRequiring, dep)
				}
			}
		}
	}
	for dep := range newDeps {
		if _, ok := t.newRequiring[dep]; !ok {
			t.newRequiring[dep] = set.New[string]()
		}
		t.newRequiring[dep].Add(chain)
	}
	if newDeps.Len() > 0 {
		t.newRequired[chain] = newDeps.Copy()
	} else {
		delete(t.newRequired, chain)
	}
}

func (t *transaction) invalidate() {
	t.cacheValid = false
}

// referencedChains returns the set of chains some other chain jumps to.
func (t *transaction) referencedChains() set.Set[string] {
	out := set.New[string]()
	for chain := range t.newRequiring {
		out.Add(chain)
	}
	return out
}

func (t *transaction) computeDerived() {
	if t.cacheValid {
		return
	}
	referenced := t.referencedChains()

	stub := referenced.Difference(t.newExplicit).Difference(t.alreadyStubbed)

	toDelete := t.deletes.Union(t.alreadyStubbed).Difference(t.newExplicit).Difference(referenced)

	updateKeys := set.New[string]()
	for chain := range t.updates {
		updateKeys.Add(chain)
	}
	affected := updateKeys.Union(stub).Union(toDelete)

	t.chainsToStub = stub
	t.chainsToDelete = toDelete
	t.affectedChains = affected
	t.cacheValid = true
}

// AffectedChains returns the set of chains whose dataplane header must be
// (re)created during phase 1: updated, stubbed, or being deleted.
func (t *transaction) AffectedChains() set.Set[string] {
	t.computeDerived()
	return t.affectedChains
}

// ChainsToStubOut returns chains required by others, not programmed in
// this batch, and not already present as stubs.
func (t *transaction) ChainsToStubOut() set.Set[string] {
	t.computeDerived()
	return t.chainsToStub
}

// ChainsToDelete returns chains the caller wants gone (or that exist only
// because something used to need them) that nothing still needs.
func (t *transaction) ChainsToDelete() set.Set[string] {
	t.computeDerived()
	return t.chainsToDelete
}

func sortedSlice(s set.Set[string]) []string {
	out := s.Slice()
	sort.Strings(out)
	return out
}

// phase1Lines builds the restore-input lines for the modify/create/stub
// phase of a batch. The second return value is false if there is nothing
// to submit.
func (t *transaction) phase1Lines(table string, graceDone bool, dataplaneChains set.Set[string]) ([]string, bool) {
	affected := t.AffectedChains()
	stubOut := t.ChainsToStubOut()
	toDelete := t.ChainsToDelete()

	var lines []string
	for _, chain := range sortedSlice(affected) {
		// Preserve a pre-existing chain during the graceful restart
		// window rather than flushing it: a chain being stubbed out
		// that's already in the dataplane, before the first cleanup,
		// is trusted as-is.
		if !graceDone && dataplaneChains.Contains(chain) && stubOut.Contains(chain) {
			continue
		}
		lines = append(lines, fmt.Sprintf(":%s -", chain))
	}
	for _, chain := range sortedSlice(stubOut) {
		if graceDone || !dataplaneChains.Contains(chain) {
			lines = append(lines, stubDropRules(chain)...)
		}
	}
	for _, chain := range sortedSlice(toDelete) {
		// Stub before deleting: if the later delete-chain batch fails
		// (still referenced from outside our view), the chain is safe.
		lines = append(lines, stubDropRules(chain)...)
	}
	updateChains := updateKeysOf(t.updates)
	sort.Strings(updateChains)
	for _, chain := range updateChains {
		lines = append(lines, t.updates[chain]...)
	}

	if len(lines) == 0 {
		return nil, false
	}
	return wrapTable(table, lines), true
}

func updateKeysOf(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// phase2Lines builds the restore-input lines for the delete phase: one
// header + delete-chain pair per target chain.
func phase2Lines(table string, chains []string) ([]string, bool) {
	if len(chains) == 0 {
		return nil, false
	}
	sorted := append([]string(nil), chains...)
	sort.Strings(sorted)
	var lines []string
	for _, chain := range sorted {
		lines = append(lines, fmt.Sprintf(":%s -", chain), fmt.Sprintf("--delete-chain %s", chain))
	}
	return wrapTable(table, lines), true
}

func wrapTable(table string, body []string) []string {
	lines := make([]string, 0, len(body)+2)
	lines = append(lines, "*"+table)
	lines = append(lines, body...)
	lines = append(lines, "COMMIT")
	return lines
}

// stubDropRules returns the fragments that replace a chain with a stub: a
// flush followed by a single comment-tagged drop rule.
func stubDropRules(chain string) []string {
	return []string{
		flushFragment(chain),
		commentedDropFragment(chain, "WARNING Missing chain DROP:"),
	}
}

func flushFragment(chain string) string {
	return fmt.Sprintf("--flush %s", chain)
}

func commentedDropFragment(chain, tag string) string {
	return fmt.Sprintf(`-A %s -m comment --comment "%s %s" -j DROP`, chain, tag, chain)
}
