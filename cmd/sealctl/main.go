package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/sealkeeper/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	nodeURL      string
	cfgFile      string
	bearerToken  string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sealctl",
	Short: "Operate a sealerd node",
	Long: `sealctl talks to a sealerd node: it queues and watches seals, runs
cycles on demand, and derives one-time seal addresses offline.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.sealctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("SEALCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if nodeURL == "" {
			nodeURL = "http://localhost:8080"
		}
		if bearerToken == "" {
			bearerToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.sealctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "sealerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "operator token for mutating calls")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(deriveCmd, tokenCmd, createCmd, watchCmd, getCmd, listCmd, permalinkCmd,
		cycleCmd, ledgerCmd, rechargeCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if bearerToken != "" {
		opts = append(opts, client.WithBearerToken(bearerToken))
	}
	return client.New(nodeURL, opts...)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

// ── create / watch ───────────────────────────────────────────────────────────

var (
	sealPermalink string
	sealPrevLink  string
)

var createCmd = &cobra.Command{
	Use:   "create <key-fingerprint> <link>",
	Short: "Queue a link for sealing with one of the node's keys",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		s, err := c.CreateSeal(ctx, client.CreateSealRequest{
			KeyFingerprint: args[0],
			Link:           args[1],
			Permalink:      sealPermalink,
			PrevLink:       sealPrevLink,
		})
		if err != nil {
			return err
		}
		return printSeals([]client.Seal{*s}, true)
	},
}

var watchCurve string

var watchCmd = &cobra.Command{
	Use:   "watch <base-pub-key> <link>",
	Short: "Watch for a counterparty's seal of a link",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		s, err := c.WatchSeal(ctx, client.WatchSealRequest{
			BasePubKey: client.PubKey{Curve: watchCurve, Pub: args[0]},
			Link:       args[1],
			Permalink:  sealPermalink,
			PrevLink:   sealPrevLink,
		})
		if err != nil {
			return err
		}
		return printSeals([]client.Seal{*s}, true)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{createCmd, watchCmd} {
		cmd.Flags().StringVar(&sealPermalink, "permalink", "", "permalink grouping versions of one object")
		cmd.Flags().StringVar(&sealPrevLink, "prev-link", "", "link of the previous version")
	}
	watchCmd.Flags().StringVar(&watchCurve, "curve", "", "curve of the base key (default secp256k1)")
}

// ── get / list / permalink ───────────────────────────────────────────────────

var getRole string

var getCmd = &cobra.Command{
	Use:   "get <link>",
	Short: "Show the seal record for a link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		s, err := c.GetSeal(ctx, args[0], strings.ToUpper(getRole))
		if err != nil {
			return err
		}
		return printSeals([]client.Seal{*s}, true)
	},
}

var (
	listStatus string
	listGrace  time.Duration
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List seals by status",
	Long: `List runs one of the node's classification queries.

Statuses: unsealed, unconfirmed, failed-writes, failed-reads, long-unconfirmed.
The failed and long-unconfirmed statuses take --grace (default: node policy).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		seals, err := c.ListSeals(ctx, listStatus, listGrace)
		if err != nil {
			return err
		}
		return printSeals(seals, false)
	},
}

var permalinkCmd = &cobra.Command{
	Use:   "permalink <permalink>",
	Short: "List every version sealed under a permalink",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		seals, err := c.ListByPermalink(ctx, args[0])
		if err != nil {
			return err
		}
		return printSeals(seals, false)
	},
}

func init() {
	getCmd.Flags().StringVar(&getRole, "role", "", "WRITE or READ (default: WRITE, then READ)")
	listCmd.Flags().StringVar(&listStatus, "status", "unconfirmed", "classification to list")
	listCmd.Flags().DurationVar(&listGrace, "grace", 0, "grace period, e.g. 6h")
}

// ── cycle ────────────────────────────────────────────────────────────────────

var (
	cycleReadGrace  time.Duration
	cycleWriteGrace time.Duration
)

var cycleCmd = &cobra.Command{
	Use:   "cycle <seal|failures>",
	Short: "Run a seal or failures cycle now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		var report any
		switch args[0] {
		case "seal":
			report, err = c.RunSealCycle(ctx)
		case "failures":
			report, err = c.RunFailureCycle(ctx, cycleReadGrace, cycleWriteGrace)
		default:
			return fmt.Errorf("unknown cycle %q (want seal or failures)", args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	cycleCmd.Flags().DurationVar(&cycleReadGrace, "read-grace", 0, "override the node's read grace period")
	cycleCmd.Flags().DurationVar(&cycleWriteGrace, "write-grace", 0, "override the node's write grace period")
}

// ── ledger / recharge ────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the node's ledger and chain tip",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		info, err := c.Ledger(ctx)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(info)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Flavor:\t%s\n", info.Flavor)
		fmt.Fprintf(w, "Network:\t%s\n", info.Network)
		fmt.Fprintf(w, "Block height:\t%d\n", info.BlockHeight)
		fmt.Fprintf(w, "Confirmations:\t%d\n", info.Confirmations)
		fmt.Fprintf(w, "Synchronous:\t%t\n", info.Synchronous)
		fmt.Fprintf(w, "Testnet:\t%t\n", info.Testnet)
		fmt.Fprintf(w, "Seal amount:\t%s\n", info.SealAmount)
		return w.Flush()
	},
}

var (
	rechargeMin   string
	rechargeForce bool
)

var rechargeCmd = &cobra.Command{
	Use:   "recharge <address>",
	Short: "Top up an address from the test network faucet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		balance, err := c.Recharge(ctx, args[0], rechargeMin, rechargeForce)
		if err != nil {
			return err
		}
		fmt.Printf("%s balance %s\n", args[0], balance)
		return nil
	},
}

func init() {
	rechargeCmd.Flags().StringVar(&rechargeMin, "min-balance", "", "recharge only below this balance")
	rechargeCmd.Flags().BoolVar(&rechargeForce, "force", false, "recharge regardless of balance")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sealctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sealctl %s\n", version)
	},
}

// ── output ───────────────────────────────────────────────────────────────────

func printSeals(seals []client.Seal, single bool) error {
	if outputFormat == "json" {
		if single && len(seals) == 1 {
			return printJSON(seals[0])
		}
		return printJSON(seals)
	}
	if len(seals) == 0 {
		fmt.Println("no seals")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LINK\tROLE\tSTATE\tCONF\tADDRESS\tTX")
	for _, s := range seals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			short(s.Link), s.Role, s.State, s.Confirmations, s.Address, orDash(s.TxID))
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(link string) string {
	if len(link) <= 16 {
		return link
	}
	return link[:8] + "…" + link[len(link)-6:]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
