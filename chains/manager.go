// Copyright (c) 2016-2017 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chains implements the transactional chain manager: one instance
// owns one (table, IP version) pair and atomically applies batches of
// named rule-chain rewrites and deletions to the kernel packet-filter
// subsystem, keeping an in-memory dependency index in sync with the
// dataplane and synthesizing stub chains so a partial update never leaves
// a dangling jump target.
package chains

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vincentbernat/calico/actor"
	"github.com/vincentbernat/calico/internal/set"
	"github.com/vincentbernat/calico/kernel"
	"github.com/vincentbernat/calico/metrics"
)

const (
	// MaxChainNameLength matches the kernel's fixed-size xt_entry chain
	// name buffer; it's inherited from the Felix 1.x era and still
	// enforced by the kernel ABI.
	MaxChainNameLength = 28

	// MaxRetries bounds the number of iptables-restore attempts made for
	// a commit conflict before giving up.
	MaxRetries = 10

	initialBackoff = 10 * time.Millisecond
	maxBackoff     = 200 * time.Millisecond

	defaultMailboxBuffer = 256
	defaultMaxBatch      = 64
)

var correlatorSeq int64

func nextCorrelator() string {
	return "chainmgr-" + strconv.FormatInt(atomic.AddInt64(&correlatorSeq, 1), 10)
}

// Manager is the long-lived coordinator for one (table, IP version) pair.
// Callers interact with it through RewriteChains, DeleteChains,
// EnsureRuleInserted and Cleanup; every call is delivered to the manager's
// single background goroutine through its mailbox, which batches
// concurrent rewrites/deletes into one atomic kernel update.
type Manager struct {
	table     string
	ipVersion uint8
	prefix    string

	adapter *kernel.Adapter
	metrics *metrics.Collector
	logCxt  *log.Entry

	// Authoritative indexes. Only ever mutated on the mailbox's goroutine.
	dataplaneChains set.Set[string]
	explicitChains  set.Set[string]
	required        map[string]set.Set[string]
	requiring       map[string]set.Set[string]
	graceDone       bool

	mailbox *actor.Mailbox[actor.Message]
	done    chan struct{}
}

// New constructs a Manager for (table, ipVersion), reading the current
// dataplane to seed its index of owned chains. prefix distinguishes chains
// this manager is allowed to touch; chains not bearing it are invisible to
// the manager.
func New(table string, ipVersion uint8, prefix string, runner kernel.Runner, mc *metrics.Collector) (*Manager, error) {
	if mc == nil {
		mc = metrics.NoOp()
	}
	adapter := kernel.NewAdapter(ipVersion, runner)
	owned, err := adapter.Save(context.Background(), table, prefix)
	if err != nil {
		return nil, fmt.Errorf("reading initial dataplane state: %w", err)
	}

	m := &Manager{
		table:     table,
		ipVersion: ipVersion,
		prefix:    prefix,
		adapter:   adapter,
		metrics:   mc,
		logCxt: log.WithFields(log.Fields{
			"table":     table,
			"ipVersion": ipVersion,
		}),
		dataplaneChains: set.FromSlice(keysOfStructSet(owned)),
		explicitChains:  set.New[string](),
		required:        map[string]set.Set[string]{},
		requiring:       map[string]set.Set[string]{},
		graceDone:       false,
		mailbox:         actor.NewMailbox[actor.Message](defaultMailboxBuffer, defaultMaxBatch),
		done:            make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func keysOfStructSet(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	return out
}

func (m *Manager) run() {
	m.mailbox.Run(m.handleBatch)
	close(m.done)
}

// Close stops accepting new messages; it returns once any batch already in
// flight has finished.
func (m *Manager) Close() {
	m.mailbox.Close()
	<-m.done
}

// RewriteChains atomically (re)writes every chain named in updatesByChain,
// prepending a flush to each body and recording depsByChain as that
// chain's dependency set. Either every chain is rewritten, or none is and
// the returned error (and onComplete, if supplied) describes why.
func (m *Manager) RewriteChains(updatesByChain map[string][]string, depsByChain map[string]set.Set[string], onComplete func(error)) error {
	msg := &rewriteChainsMsg{updatesByChain: updatesByChain, depsByChain: depsByChain}
	err := m.mailbox.Send(msg)
	if onComplete != nil {
		onComplete(err)
	}
	return err
}

// DeleteChains deletes the named chains, unless a surviving chain still
// references one of them, in which case it is converted to a stub rather
// than removed.
func (m *Manager) DeleteChains(chainNames []string, onComplete func(error)) error {
	msg := &deleteChainsMsg{chains: chainNames}
	err := m.mailbox.Send(msg)
	if onComplete != nil {
		onComplete(err)
	}
	return err
}

// EnsureRuleInserted moves (or adds) fragment to the top of a
// pre-existing, non-owned chain. Runs in its own batch.
func (m *Manager) EnsureRuleInserted(fragment string) error {
	return m.mailbox.Send(&ensureRuleInsertedMsg{fragment: fragment})
}

// Cleanup reconciles the in-memory index with the live dataplane: during
// the graceful-restart window it stubs out required-but-unprogrammed
// chains, then repeatedly deletes unreferenced owned chains until no more
// can be found, then verifies every chain it still needs is present.
// Returns ErrInconsistent if not.
func (m *Manager) Cleanup() error {
	return m.mailbox.Send(&cleanupMsg{})
}

// handleBatch is the actor.Processor invoked from the mailbox's goroutine.
func (m *Manager) handleBatch(msgs []actor.Message) ([]error, error) {
	if len(msgs) == 1 {
		switch v := msgs[0].(type) {
		case *ensureRuleInsertedMsg:
			return []error{m.ensureRuleInserted(v.fragment)}, nil
		case *cleanupMsg:
			return []error{m.cleanup()}, nil
		}
	}
	return m.processRewriteDeleteBatch(msgs)
}

// processRewriteDeleteBatch is §4.2's batch lifecycle: record every
// message into a fresh transaction, compute and submit the phase-1 input,
// and on success swap the transaction's indexes into the manager and
// best-effort-delete anything no longer needed.
func (m *Manager) processRewriteDeleteBatch(msgs []actor.Message) ([]error, error) {
	txn := newTransaction(m.explicitChains, m.required, m.requiring)

	for _, raw := range msgs {
		switch v := raw.(type) {
		case *rewriteChainsMsg:
			if err := applyRewrite(txn, v); err != nil {
				return m.failBatch(len(msgs), err)
			}
		case *deleteChainsMsg:
			for _, chain := range v.chains {
				txn.storeDelete(chain)
			}
		default:
			return m.failBatch(len(msgs), fmt.Errorf("chain manager: unexpected message type %T in batch", raw))
		}
	}

	lines, nonEmpty := txn.phase1Lines(m.table, m.graceDone, m.dataplaneChains)
	if nonEmpty {
		if err := m.executeRestore(lines, log.ErrorLevel); err != nil {
			return m.failBatch(len(msgs), err)
		}
		m.dataplaneChains = m.dataplaneChains.Union(txn.AffectedChains())
	}

	m.explicitChains = txn.newExplicit
	m.required = txn.newRequired
	m.requiring = txn.newRequiring

	m.bestEffortDelete(sortedSlice(txn.ChainsToDelete()))

	return make([]error, len(msgs)), nil
}

// failBatch implements §4.2's branch on kernel/validation failure: a
// single-message batch reports the error directly; a multi-message batch
// asks the mailbox to bisect so the fault is isolated to one message.
func (m *Manager) failBatch(batchSize int, err error) ([]error, error) {
	if batchSize == 1 {
		return []error{err}, nil
	}
	m.logCxt.WithError(err).Warn("Non-retryable error from a combined batch, splitting to narrow down the culprit.")
	return nil, actor.ErrSplitBatch
}

func applyRewrite(txn *transaction, msg *rewriteChainsMsg) error {
	for chain, rules := range msg.updatesByChain {
		if len(chain) > MaxChainNameLength {
			return fmt.Errorf("%w: %q is %d bytes, max is %d", ErrChainNameTooLong, chain, len(chain), MaxChainNameLength)
		}
		body := make([]string, 0, len(rules)+1)
		body = append(body, flushFragment(chain))
		body = append(body, rules...)
		deps := msg.depsByChain[chain]
		if deps == nil {
			deps = set.New[string]()
		}
		txn.storeRewrite(chain, body, deps)
	}
	return nil
}

// ensureRuleInserted implements §4.1's delete+insert pair: try to move any
// existing instance of fragment to the top of its chain; if the delete
// half fails (most likely because the rule wasn't there), fall back to a
// plain insert.
func (m *Manager) ensureRuleInserted(fragment string) error {
	lines := wrapTable(m.table, []string{"--delete " + fragment, "--insert " + fragment})
	if err := m.executeRestore(lines, log.DebugLevel); err != nil {
		m.logCxt.WithField("rule", fragment).Debug("No existing instance of rule found, inserting it instead.")
		fallback := wrapTable(m.table, []string{"--insert " + fragment})
		return m.executeRestore(fallback, log.ErrorLevel)
	}
	return nil
}

// cleanup implements §4.7's two-phase reconciliation.
func (m *Manager) cleanup() error {
	m.logCxt.Info("Cleaning up left-over chain state.")

	owned, err := m.adapter.Save(context.Background(), m.table, m.prefix)
	if err != nil {
		return fmt.Errorf("refreshing dataplane state: %w", err)
	}
	m.dataplaneChains = set.FromSlice(keysOfStructSet(owned))

	required := set.New[string]()
	for chain := range m.requiring {
		required.Add(chain)
	}

	if !m.graceDone {
		toStub := required.Difference(m.explicitChains)
		if toStub.Len() > 0 {
			m.logCxt.WithField("chains", sortedSlice(toStub)).Info("Graceful restart window finished, stubbing out required chains.")
			lines, nonEmpty := phase1StubOnly(m.table, sortedSlice(toStub))
			if nonEmpty {
				if err := m.executeRestore(lines, log.WarnLevel); err != nil {
					return err
				}
				m.dataplaneChains = m.dataplaneChains.Union(toStub)
			}
		}
		m.graceDone = true
	}

	triedToDelete := set.New[string]()
	for {
		unreferenced, err := m.adapter.ListUnreferenced(context.Background(), m.table, m.prefix)
		if err != nil {
			return fmt.Errorf("listing unreferenced chains: %w", err)
		}
		orphans := set.FromSlice(keysOfStructSet(unreferenced)).Difference(m.explicitChains).Difference(required)
		if triedToDelete.IsSupersetOf(orphans) {
			succeeded := triedToDelete.Len() - orphans.Len()
			m.logCxt.WithField("deleted", succeeded).WithField("remaining", sortedSlice(orphans)).Info("Cleanup finished.")
			break
		}
		triedToDelete = triedToDelete.Union(orphans)
		m.bestEffortDelete(sortedSlice(orphans))
	}

	before := m.dataplaneChains
	owned, err = m.adapter.Save(context.Background(), m.table, m.prefix)
	if err != nil {
		return fmt.Errorf("re-reading dataplane state: %w", err)
	}
	m.dataplaneChains = set.FromSlice(keysOfStructSet(owned))
	if before.Difference(m.dataplaneChains).Len() > 0 || m.dataplaneChains.Difference(before).Len() > 0 {
		m.logCxt.WithFields(log.Fields{
			"onlyInDataplane": sortedSlice(m.dataplaneChains.Difference(before)),
			"onlyInIndex":     sortedSlice(before.Difference(m.dataplaneChains)),
		}).Error("Chains in data plane inconsistent with calculated index.")
	}

	need := m.explicitChains.Union(required)
	missing := need.Difference(m.dataplaneChains)
	if missing.Len() > 0 {
		m.logCxt.WithField("chains", sortedSlice(missing)).Error("Chains disappeared from the dataplane.")
		return fmt.Errorf("%w: missing %v", ErrInconsistent, sortedSlice(missing))
	}
	return nil
}

func phase1StubOnly(table string, chains []string) ([]string, bool) {
	if len(chains) == 0 {
		return nil, false
	}
	var body []string
	for _, chain := range chains {
		body = append(body, fmt.Sprintf(":%s -", chain))
		body = append(body, stubDropRules(chain)...)
	}
	return wrapTable(table, body), true
}

// bestEffortDelete tries to delete every chain in the list. Failures are
// swallowed: a sub-batch of more than one chain is split in half and
// retried; a lone chain that still fails is logged and abandoned for the
// next Cleanup() to reconsider.
func (m *Manager) bestEffortDelete(chainsToDelete []string) {
	if len(chainsToDelete) == 0 {
		return
	}
	queue := [][]string{chainsToDelete}
	for len(queue) > 0 {
		batch := queue[0]
		queue = queue[1:]

		lines, nonEmpty := phase2Lines(m.table, batch)
		if !nonEmpty {
			continue
		}
		if err := m.executeRestore(lines, log.WarnLevel); err != nil {
			if len(batch) > 1 {
				mid := len(batch) / 2
				first, second := batch[:mid], batch[mid:]
				queue = append([][]string{first, second}, queue...)
				continue
			}
			m.logCxt.WithError(err).WithField("chain", batch[0]).Error("Failed to delete chain, giving up. Maybe it is still referenced?")
			continue
		}
		for _, chain := range batch {
			m.dataplaneChains.Discard(chain)
		}
		m.metrics.ChainsDeleted(len(batch))
	}
}

// executeRestore runs iptables-restore over lines, retrying commit
// conflicts with jittered exponential backoff and giving up after
// MaxRetries attempts.
func (m *Manager) executeRestore(lines []string, failLevel log.Level) error {
	input := strings.Join(lines, "\n") + "\n"
	correlator := nextCorrelator()
	logCxt := m.logCxt.WithField("correlator", correlator)

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		m.metrics.RestoreAttempt()
		stdout, stderr, err := m.adapter.RunRestore(context.Background(), input)
		if err == nil {
			return nil
		}

		retryable, detail := kernel.ClassifyRestoreError(lines, stderr)
		logCxt = logCxt.WithFields(log.Fields{
			"attempt": attempt,
			"detail":  detail,
			"stdout":  stdout,
			"stderr":  stderr,
		})
		if retryable && attempt < MaxRetries {
			m.metrics.RestoreRetry()
			logCxt.Info("Commit conflicted with a concurrent modification, retrying.")
			time.Sleep(backoff)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			backoff = time.Duration(float64(backoff) * (1.5 + rand.Float64()))
			continue
		}

		logCxt.Log(failLevel, "Failed to run "+m.adapter.RestoreCommand()+": "+detail)
		return fmt.Errorf("%s: %s: %w", m.adapter.RestoreCommand(), detail, err)
	}
}
