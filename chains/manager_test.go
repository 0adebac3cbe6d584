package chains_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vincentbernat/calico/chains"
	"github.com/vincentbernat/calico/internal/set"
	"github.com/vincentbernat/calico/metrics"
)

const emptyFilterTable = "*filter\nCOMMIT\n"

func newTestManager(runner *fakeRunner) *chains.Manager {
	if runner.saveOutput == "" {
		runner.saveOutput = emptyFilterTable
	}
	mgr, err := chains.New("filter", 4, "cali-", runner, metrics.NoOp())
	Expect(err).NotTo(HaveOccurred())
	return mgr
}

var _ = Describe("Manager", func() {
	var runner *fakeRunner

	BeforeEach(func() {
		runner = &fakeRunner{}
	})

	Describe("RewriteChains", func() {
		It("synthesizes a stub for a dependency that isn't programmed yet", func() {
			mgr := newTestManager(runner)
			defer mgr.Close()

			err := mgr.RewriteChains(
				map[string][]string{"cali-a": {"-A cali-a -j cali-b"}},
				map[string]set.Set[string]{"cali-a": set.New("cali-b")},
				nil,
			)
			Expect(err).NotTo(HaveOccurred())

			calls := runner.calls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0]).To(ContainSubstring(":cali-a -"))
			Expect(calls[0]).To(ContainSubstring(":cali-b -"))
			Expect(calls[0]).To(ContainSubstring("WARNING Missing chain DROP: cali-b"))
		})

		It("promotes a stub to a real chain once it's explicitly written", func() {
			mgr := newTestManager(runner)
			defer mgr.Close()

			Expect(mgr.RewriteChains(
				map[string][]string{"cali-a": {"-A cali-a -j cali-b"}},
				map[string]set.Set[string]{"cali-a": set.New("cali-b")},
				nil,
			)).To(Succeed())

			Expect(mgr.RewriteChains(
				map[string][]string{"cali-b": {"-A cali-b -j ACCEPT"}},
				nil,
				nil,
			)).To(Succeed())

			calls := runner.calls()
			Expect(calls).To(HaveLen(2))
			Expect(calls[1]).To(ContainSubstring("-A cali-b -j ACCEPT"))
			Expect(calls[1]).NotTo(ContainSubstring("WARNING Missing chain DROP"))
		})

		It("rejects a chain name over the kernel's length limit", func() {
			mgr := newTestManager(runner)
			defer mgr.Close()

			longName := strings.Repeat("x", chains.MaxChainNameLength+1)
			err := mgr.RewriteChains(map[string][]string{longName: {"-j ACCEPT"}}, nil, nil)
			Expect(err).To(MatchError(chains.ErrChainNameTooLong))
			Expect(runner.calls()).To(BeEmpty())
		})

		It("retries a commit conflict and eventually succeeds", func() {
			runner.restoreHook = func(call int, stdin string) (string, string, error) {
				if call == 1 {
					return restoreErr(stdin, commitLineNumber(stdin))
				}
				return "", "", nil
			}
			mgr := newTestManager(runner)
			defer mgr.Close()

			err := mgr.RewriteChains(map[string][]string{"cali-a": {"-A cali-a -j ACCEPT"}}, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(runner.calls()).To(HaveLen(2))
		})

		It("does not retry a structural failure", func() {
			runner.restoreHook = func(call int, stdin string) (string, string, error) {
				return restoreErr(stdin, lineContaining(stdin, ":cali-a -"))
			}
			mgr := newTestManager(runner)
			defer mgr.Close()

			err := mgr.RewriteChains(map[string][]string{"cali-a": {"-A cali-a -j ACCEPT"}}, nil, nil)
			Expect(err).To(HaveOccurred())
			Expect(runner.calls()).To(HaveLen(1))
		})
	})

	Describe("DeleteChains", func() {
		It("demotes an orphaned dependency to a delete once its referrer is gone", func() {
			mgr := newTestManager(runner)
			defer mgr.Close()

			Expect(mgr.RewriteChains(
				map[string][]string{"cali-a": {"-A cali-a -j cali-b"}},
				map[string]set.Set[string]{"cali-a": set.New("cali-b")},
				nil,
			)).To(Succeed())

			Expect(mgr.DeleteChains([]string{"cali-a"}, nil)).To(Succeed())

			calls := runner.calls()
			// Call 1: the initial rewrite. Call 2: phase 1 of the delete,
			// stubbing both chains out as a safety net. Call 3: phase 2,
			// the best-effort deletion of both now-unreferenced chains.
			Expect(calls).To(HaveLen(3))
			Expect(calls[1]).To(ContainSubstring("WARNING Missing chain DROP: cali-a"))
			Expect(calls[1]).To(ContainSubstring("WARNING Missing chain DROP: cali-b"))
			Expect(calls[2]).To(ContainSubstring("--delete-chain cali-a"))
			Expect(calls[2]).To(ContainSubstring("--delete-chain cali-b"))
		})
	})

	Describe("EnsureRuleInserted", func() {
		It("moves an existing rule with a single delete+insert restore", func() {
			mgr := newTestManager(runner)
			defer mgr.Close()

			Expect(mgr.EnsureRuleInserted("-A FORWARD -j cali-FORWARD")).To(Succeed())
			Expect(runner.calls()).To(HaveLen(1))
		})

		It("falls back to a plain insert when the delete half fails", func() {
			runner.restoreHook = func(call int, stdin string) (string, string, error) {
				if call == 1 {
					return restoreErr(stdin, lineContaining(stdin, "--delete"))
				}
				return "", "", nil
			}
			mgr := newTestManager(runner)
			defer mgr.Close()

			Expect(mgr.EnsureRuleInserted("-A FORWARD -j cali-FORWARD")).To(Succeed())
			calls := runner.calls()
			Expect(calls).To(HaveLen(2))
			Expect(calls[1]).NotTo(ContainSubstring("--delete"))
			Expect(calls[1]).To(ContainSubstring("--insert"))
		})
	})

	Describe("Cleanup", func() {
		It("deletes an unreferenced owned chain it never wrote itself", func() {
			runner.listOutput = "Chain cali-orphan (0 references)\ntarget     prot opt source               destination\n"
			mgr := newTestManager(runner)
			defer mgr.Close()

			Expect(mgr.Cleanup()).To(Succeed())

			calls := runner.calls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0]).To(ContainSubstring("--delete-chain cali-orphan"))
		})

		It("returns ErrInconsistent when a required chain vanished from the dataplane", func() {
			mgr := newTestManager(runner)
			defer mgr.Close()

			Expect(mgr.RewriteChains(
				map[string][]string{"cali-a": {"-A cali-a -j ACCEPT"}},
				nil, nil,
			)).To(Succeed())

			// runner.saveOutput was never changed to mention cali-a, so
			// Cleanup's re-read of the dataplane won't find it either:
			// this simulates the chain disappearing out from under the
			// manager.
			err := mgr.Cleanup()
			Expect(err).To(MatchError(chains.ErrInconsistent))
		})
	})
})
