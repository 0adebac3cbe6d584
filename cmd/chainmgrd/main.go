// Command chainmgrd is a standalone operator harness around the chains
// package: it loads a small YAML config naming a table/IP-version pair and
// a directory of declarative chain-body files, then applies, cleans up, or
// serves metrics for that one manager instance. It is not the policy
// translator — real callers embed the chains package directly.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vincentbernat/calico/chains"
	"github.com/vincentbernat/calico/config"
	"github.com/vincentbernat/calico/internal/set"
	"github.com/vincentbernat/calico/kernel"
	"github.com/vincentbernat/calico/metrics"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "chainmgrd",
		Short: "Operator harness for the per-table chain manager",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "chainmgr.yaml", "path to the YAML config file")

	root.AddCommand(applyCmd(), cleanupCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// chainSpec is the on-disk shape of one file under chains-dir.
type chainSpec struct {
	Chain string   `yaml:"chain"`
	Rules []string `yaml:"rules"`
	Deps  []string `yaml:"deps"`
}

func loadChainSpecs(dir string) (map[string][]string, map[string]set.Set[string], error) {
	updates := map[string][]string{}
	deps := map[string]set.Set[string]{}
	if dir == "" {
		return updates, deps, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading chains-dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, nil, err
		}
		var spec chainSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, nil, fmt.Errorf("parsing %s: %w", entry.Name(), err)
		}
		if spec.Chain == "" {
			continue
		}
		updates[spec.Chain] = spec.Rules
		deps[spec.Chain] = set.FromSlice(spec.Deps)
	}
	return updates, deps, nil
}

func newManager(cfg *config.Config, reg prometheus.Registerer) (*chains.Manager, error) {
	return chains.New(cfg.Table, cfg.IPVersion, cfg.Prefix, kernel.RealRunner{}, metrics.New(reg, cfg.Table, cfg.IPVersion))
}

func applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Apply the chain bodies under chains-dir in a single batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			mgr, err := newManager(cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer mgr.Close()

			updates, deps, err := loadChainSpecs(cfg.ChainsDir)
			if err != nil {
				return err
			}
			if len(updates) == 0 {
				log.Info("No chain specs found, nothing to apply.")
				return nil
			}
			return mgr.RewriteChains(updates, deps, nil)
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one reconciliation pass against the live dataplane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			mgr, err := newManager(cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer mgr.Close()
			return mgr.Cleanup()
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Apply once, then serve Prometheus metrics until killed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			mgr, err := newManager(cfg, reg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			updates, deps, err := loadChainSpecs(cfg.ChainsDir)
			if err != nil {
				return err
			}
			if len(updates) > 0 {
				if err := mgr.RewriteChains(updates, deps, nil); err != nil {
					return err
				}
			}

			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.WithField("addr", addr).Info("Serving metrics.")
			return http.ListenAndServe(addr, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", ":9091", "address to serve /metrics on")
	return cmd
}
