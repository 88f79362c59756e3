package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/auth"
	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
	"github.com/jmerrifield20/sealkeeper/internal/blockchain/adapters"
)

// offlineEndpoint satisfies adapters that insist on a URL; derive never
// starts the ledger, so nothing dials it.
const offlineEndpoint = "http://offline.invalid"

var (
	deriveFlavor  string
	deriveNetwork string
	deriveCurve   string
	deriveKey     string
)

var deriveCmd = &cobra.Command{
	Use:   "derive <link> [base-pub-key]",
	Short: "Derive a one-time seal address without contacting a node",
	Long: `Derive computes the address a seal of <link> pays to under a base
public key. Pass the key as an argument, or --key with a private key (WIF or
hex) to also print its fingerprint.

  sealctl derive --flavor utxo --network testnet3 <link> 02ab...`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDerive,
}

func init() {
	deriveCmd.Flags().StringVar(&deriveFlavor, "flavor", "utxo", "ledger flavor: utxo, account or centralized")
	deriveCmd.Flags().StringVar(&deriveNetwork, "network", "", "network name (flavor default when empty)")
	deriveCmd.Flags().StringVar(&deriveCurve, "curve", "", "curve of the base key (default secp256k1)")
	deriveCmd.Flags().StringVar(&deriveKey, "key", "", "private key to derive from instead of a public key")
}

func runDerive(cmd *cobra.Command, args []string) error {
	flavor, err := blockchain.ParseFlavor(deriveFlavor)
	if err != nil {
		return err
	}
	adapter, err := adapters.New(adapters.Config{
		Flavor:      flavor,
		Network:     deriveNetwork,
		ExplorerURL: offlineEndpoint,
		NodeURL:     offlineEndpoint,
		RestURL:     offlineEndpoint,
		Testnet:     true,
	}, zap.NewNop())
	if err != nil {
		return err
	}
	chain := blockchain.New(adapter)

	link := args[0]
	var (
		base        blockchain.PubKey
		fingerprint string
	)
	switch {
	case deriveKey != "":
		k, err := blockchain.ParseKey(deriveKey)
		if err != nil {
			return err
		}
		base, fingerprint = k.PubKey(), k.Fingerprint()
	case len(args) == 2:
		if base, err = blockchain.ParsePubKey(deriveCurve, args[1]); err != nil {
			return err
		}
	default:
		return fmt.Errorf("a base public key argument or --key is required")
	}

	addr, err := chain.SealAddress(link, base)
	if err != nil {
		return err
	}
	pub, err := chain.SealPubKey(link, base)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(map[string]any{
			"link":            link,
			"base_pub_key":    base,
			"pub_key":         pub,
			"address":         addr,
			"network":         chain.NetworkName(),
			"key_fingerprint": fingerprint,
		})
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Network:\t%s (%s)\n", chain.NetworkName(), chain.Flavor())
	fmt.Fprintf(w, "Base key:\t%s\n", base.Pub)
	if fingerprint != "" {
		fmt.Fprintf(w, "Fingerprint:\t%s\n", fingerprint)
	}
	fmt.Fprintf(w, "Seal key:\t%s\n", pub.Pub)
	fmt.Fprintf(w, "Address:\t%s\n", addr)
	return w.Flush()
}

var (
	tokenSecret  string
	tokenIssuer  string
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator token signed with the node's auth secret",
	Long: `Token signs an operator JWT locally with the same secret the node is
configured with (auth.secret). The secret is read from --secret or the
auth_secret config key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = viper.GetString("auth_secret")
		}
		issuer, err := auth.NewTokenIssuer([]byte(secret), tokenIssuer, tokenTTL)
		if err != nil {
			return err
		}
		for _, s := range tokenScopes {
			if !slices.Contains(auth.AllScopes, s) {
				return fmt.Errorf("unknown scope %q (known: %s)", s, strings.Join(auth.AllScopes, ", "))
			}
		}
		tok, err := issuer.Issue(tokenSubject, tokenScopes)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "node auth secret")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "sealerd", "issuer configured on the node (auth.issuer)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", auth.AllScopes, "scopes to grant")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
