package chains

import "github.com/vincentbernat/calico/internal/set"

// rewriteChainsMsg asks the manager to atomically (re)write one or more
// chains, each with its rule fragments and the set of chains it depends
// on. Batchable with other rewrites and deletes.
type rewriteChainsMsg struct {
	updatesByChain map[string][]string
	depsByChain    map[string]set.Set[string]
}

func (*rewriteChainsMsg) NeedsOwnBatch() bool { return false }

// deleteChainsMsg asks the manager to delete the named chains, unless
// something still requires them (in which case they're stubbed instead).
// Batchable.
type deleteChainsMsg struct {
	chains []string
}

func (*deleteChainsMsg) NeedsOwnBatch() bool { return false }

// ensureRuleInsertedMsg asks the manager to move (or add) rule fragment to
// the top of a pre-existing, non-owned chain. Must run in its own batch
// because it touches a chain this manager doesn't own.
type ensureRuleInsertedMsg struct {
	fragment string
}

func (*ensureRuleInsertedMsg) NeedsOwnBatch() bool { return true }

// cleanupMsg asks the manager to reconcile its indexes with the live
// dataplane. Must run in its own batch so it never races with in-flight
// modifications.
type cleanupMsg struct{}

func (*cleanupMsg) NeedsOwnBatch() bool { return true }
