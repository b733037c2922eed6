package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gitdigital/ledgercore/internal/api"
	"github.com/gitdigital/ledgercore/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL string
	cfgFile   string
	token     string
	format    string
)

// errIntegrity makes `ledgerctl verify` exit non-zero on a broken ledger.
var errIntegrity = errors.New("ledger integrity check failed")

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Ledger command-line client",
	Long: `ledgerctl talks to a ledgerd server.

It appends events, reads records and audit trails, checks ledger integrity
and verifies Merkle inclusion proofs locally.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.ledgerctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("ledgerctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:3000"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "ledger base URL (default http://localhost:3000)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token for appends")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(rootHashCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.New(ledgerURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// jsonArg accepts inline JSON or @path to read it from a file.
func jsonArg(name, v string) (json.RawMessage, error) {
	if v == "" {
		return nil, nil
	}
	raw := []byte(v)
	if path, ok := strings.CutPrefix(v, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read --%s: %w", name, err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(raw), nil
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendEntity   string
	appendType     string
	appendData     string
	appendMetadata string
	appendChain    string
	appendEventID  string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an event to the ledger",
	Long: `append submits one event. --data and --metadata take inline JSON or
@file:

  ledgerctl append --entity acct-1 --type payment --data '{"amount":100,"currency":"USD"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := jsonArg("data", appendData)
		if err != nil {
			return err
		}
		metadata, err := jsonArg("metadata", appendMetadata)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}

		res, err := c.Append(cmd.Context(), client.AppendRequest{
			Event:    client.Event{EntityID: appendEntity, EventType: appendType, Data: data},
			Metadata: metadata,
			ChainID:  appendChain,
			EventID:  appendEventID,
		})
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Rejected() {
			color.Red("✗ Event rejected")
			if apiErr.Rule != "" {
				fmt.Printf("  Rule:   %s\n  Reason: %s\n", apiErr.Rule, apiErr.Reason)
			} else {
				fmt.Printf("  %s\n", apiErr.Message)
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}

		if format == "json" {
			return printJSON(res)
		}
		color.Green("✓ Event appended")
		fmt.Printf("\n  Event ID:    %s\n", res.EventID)
		fmt.Printf("  Chain:       %s\n", res.ChainID)
		fmt.Printf("  Sequence:    %d\n", res.Sequence)
		fmt.Printf("  Timestamp:   %s\n", res.Timestamp.Format(time.RFC3339Nano))
		fmt.Printf("  Digest:      %s\n", res.Digest)
		fmt.Printf("  Merkle root: %s\n", res.MerkleRoot)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendEntity, "entity", "", "Entity identifier")
	appendCmd.Flags().StringVar(&appendType, "type", "", "Event type (e.g. payment)")
	appendCmd.Flags().StringVar(&appendData, "data", "", "Event data as JSON or @file")
	appendCmd.Flags().StringVar(&appendMetadata, "metadata", "", "Record metadata as JSON or @file")
	appendCmd.Flags().StringVar(&appendChain, "chain", "", "Chain identifier (server default when empty)")
	appendCmd.Flags().StringVar(&appendEventID, "event-id", "", "Caller-supplied event identifier")

	_ = appendCmd.MarkFlagRequired("entity")
	_ = appendCmd.MarkFlagRequired("type")
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <event-id>",
	Short: "Show one ledger record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get %s: %w", args[0], err)
		}
		if format == "json" {
			return printJSON(rec)
		}
		fmt.Printf("Event ID:      %s\n", rec.EventID)
		fmt.Printf("Chain:         %s\n", rec.ChainID)
		fmt.Printf("Sequence:      %d\n", rec.Sequence)
		fmt.Printf("Timestamp:     %s\n", rec.Timestamp.Format(time.RFC3339Nano))
		fmt.Printf("Entity:        %s\n", rec.Event.EntityID)
		fmt.Printf("Type:          %s\n", rec.Event.EventType)
		if len(rec.Event.Data) > 0 {
			fmt.Printf("Data:          %s\n", rec.Event.Data)
		}
		if len(rec.Metadata) > 0 {
			fmt.Printf("Metadata:      %s\n", rec.Metadata)
		}
		fmt.Printf("Previous hash: %s\n", rec.PreviousHash)
		fmt.Printf("Digest:        %s\n", rec.Digest)
		return nil
	},
}

// ── audit ────────────────────────────────────────────────────────────────────

var (
	auditEntity string
	auditChain  string
	auditStart  string
	auditEnd    string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List records in append order",
	Long: `audit prints the audit trail, optionally narrowed by entity, chain and an
inclusive RFC 3339 time range:

  ledgerctl audit --entity acct-1 --start 2026-01-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := client.AuditFilter{EntityID: auditEntity, ChainID: auditChain}
		var err error
		if f.Start, err = parseTimeFlag("start", auditStart); err != nil {
			return err
		}
		if f.End, err = parseTimeFlag("end", auditEnd); err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		recs, err := c.AuditTrail(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("audit trail: %w", err)
		}
		if format == "json" {
			return printJSON(recs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIMESTAMP\tCHAIN\tENTITY\tTYPE\tEVENT ID")
		for _, r := range recs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				r.Sequence, r.Timestamp.Format(time.RFC3339Nano), r.ChainID,
				r.Event.EntityID, r.Event.EventType, r.EventID)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d record(s)\n", len(recs))
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditEntity, "entity", "", "Filter by entity identifier")
	auditCmd.Flags().StringVar(&auditChain, "chain", "", "Filter by chain identifier")
	auditCmd.Flags().StringVar(&auditStart, "start", "", "Earliest timestamp (RFC 3339)")
	auditCmd.Flags().StringVar(&auditEnd, "end", "", "Latest timestamp (RFC 3339)")
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be an RFC 3339 timestamp: %w", name, err)
	}
	return t, nil
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Ask the server to verify every chain and the Merkle root",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.VerifyIntegrity(cmd.Context())
		if err != nil {
			return fmt.Errorf("verify integrity: %w", err)
		}
		if format == "json" {
			if err := printJSON(res); err != nil {
				return err
			}
		} else if res.IsValid {
			color.Green("✓ %s", res.Message)
			fmt.Printf("  Verified at: %s\n", res.VerifiedAt.Format(time.RFC3339))
		} else {
			color.Red("✗ %s", res.Message)
			if res.ChainID != "" {
				fmt.Printf("  Chain:    %s\n", res.ChainID)
			}
			if res.Index != nil && *res.Index >= 0 {
				fmt.Printf("  Index:    %d\n", *res.Index)
			}
			if res.EventID != "" {
				fmt.Printf("  Event ID: %s\n", res.EventID)
			}
		}
		if !res.IsValid {
			return errIntegrity
		}
		return nil
	},
}

// ── root ─────────────────────────────────────────────────────────────────────

var rootHashCmd = &cobra.Command{
	Use:   "root",
	Short: "Show the current Merkle root",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		root, err := c.MerkleRoot(cmd.Context())
		if err != nil {
			return fmt.Errorf("merkle root: %w", err)
		}
		if format == "json" {
			return printJSON(root)
		}
		fmt.Printf("Merkle root: %s\n", root.MerkleRoot)
		fmt.Printf("Tree size:   %d\n", root.TreeSize)
		fmt.Printf("Updated:     %s\n", root.Timestamp.Format(time.RFC3339Nano))
		return nil
	},
}

// ── proof ────────────────────────────────────────────────────────────────────

var proofCheck bool

var proofCmd = &cobra.Command{
	Use:   "proof <event-id>",
	Short: "Fetch a Merkle inclusion proof for a record",
	Long: `proof fetches the inclusion path of a record against the current root.
With --check the path is folded locally and compared with the root, so the
server does not have to be trusted for the result.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.Proof(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("proof %s: %w", args[0], err)
		}

		if format == "json" {
			if err := printJSON(p); err != nil {
				return err
			}
		} else {
			fmt.Printf("Event ID:   %s\n", p.EventID)
			fmt.Printf("Leaf index: %d of %d\n", p.LeafIndex, p.TreeSize)
			fmt.Printf("Digest:     %s\n", p.Digest)
			fmt.Printf("Root:       %s\n", p.Root)
			fmt.Println("Path:")
			for i, s := range p.Path {
				fmt.Printf("  %2d  %-5s  %s\n", i, s.Side, s.Hash)
			}
		}

		if !proofCheck {
			return nil
		}
		ok, err := checkProof(p)
		if err != nil {
			return err
		}
		if !ok {
			color.Red("✗ inclusion proof does not match root")
			return errors.New("inclusion proof rejected")
		}
		color.Green("✓ inclusion proof verified")
		return nil
	},
}

func init() {
	proofCmd.Flags().BoolVar(&proofCheck, "check", false, "Verify the proof locally")
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenSubject string
	tokenIssuer  string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development bearer token",
	Long: `token signs an HS256 token with the same secret ledgerd reads from
auth.jwt_secret. Intended for development and tests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			tokenSecret = viper.GetString("jwt_secret")
		}
		issuer, err := api.NewTokenIssuer([]byte(tokenSecret), tokenIssuer, tokenTTL)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(tokenSubject, tokenScopes)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HS256 signing secret (default from config jwt_secret)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "ledgerctl", "Token subject")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "ledgerd", "Token issuer, must match the server's auth.issuer")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{api.ScopeAppend}, "Granted scopes")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and server health",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)

		c, err := newClient()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		if err := c.Health(ctx); err != nil {
			color.Yellow("server %s unreachable: %v", ledgerURL, err)
			return
		}
		fmt.Printf("server %s ok\n", ledgerURL)
	},
}
