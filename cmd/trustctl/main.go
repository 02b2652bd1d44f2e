package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ILLUVRSE/trustcore/internal/server"
	"github.com/ILLUVRSE/trustcore/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	apiToken  string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trustctl",
	Short: "trustcore command-line interface",
	Long: `trustctl drives a trustcore server: verifying audit chains, reading
events, and walking multisig proposals through their lifecycle.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.trustctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if apiToken == "" {
			apiToken = viper.GetString("api_token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.trustctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "trustcore server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API bearer token")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(proposalCmd)
	rootCmd.AddCommand(signersCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func apiClient() *client.Client {
	opts := []client.Option{}
	if apiToken != "" {
		opts = append(opts, client.WithBearerToken(apiToken))
	}
	return client.New(serverURL, opts...)
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom int
	verifyTo   int
)

var verifyCmd = &cobra.Command{
	Use:   "verify <scope>",
	Short: "Verify a scope's digest chain and signatures",
	Long: `Verify recomputes the hash chain of a scope server-side and checks
every signature against the signer registry. Exits non-zero when the chain
is broken, printing the first violation:

  trustctl verify deploys
  trustctl verify deploys --from 100 --to 200`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient().VerifyScope(context.Background(), args[0], verifyFrom, verifyTo)
		if err != nil {
			return err
		}
		if !res.Valid {
			fmt.Fprintf(os.Stderr, "chain INVALID: %s at event %s: %s\n",
				res.Violation.Kind, res.Violation.EventID, res.Violation.Detail)
			os.Exit(1)
		}
		fmt.Printf("chain valid, head %s\n", res.HeadHash)
		return nil
	},
}

func init() {
	verifyCmd.Flags().IntVar(&verifyFrom, "from", 1, "First position to verify (1-based)")
	verifyCmd.Flags().IntVar(&verifyTo, "to", 0, "Last position to verify; 0 means head")
}

// ── head / events ────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head <scope>",
	Short: "Print the head hash of a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		head, err := apiClient().Head(context.Background(), args[0])
		if err != nil {
			return err
		}
		if head == "" {
			fmt.Println("(empty scope)")
			return nil
		}
		fmt.Println(head)
		return nil
	},
}

var (
	eventsFrom   int
	eventsTo     int
	eventsFormat string
)

var eventsCmd = &cobra.Command{
	Use:   "events <scope>",
	Short: "List a scope's audit events in chain order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := apiClient().ListEvents(context.Background(), args[0], eventsFrom, eventsTo)
		if err != nil {
			return err
		}
		if eventsFormat == "json" {
			return printJSON(events)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSIGNER\tHASH\tCREATED")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ev.ID, ev.EventType, ev.SignerID, short(ev.Hash), ev.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsFrom, "from", 1, "First position (1-based)")
	eventsCmd.Flags().IntVar(&eventsTo, "to", 0, "Last position; 0 means head")
	eventsCmd.Flags().StringVar(&eventsFormat, "format", "text", "Output format: text or json")
}

// ── proposal ─────────────────────────────────────────────────────────────────

var proposalCmd = &cobra.Command{
	Use:   "proposal",
	Short: "Create and drive multisig proposals",
}

var (
	proposalPayload   string
	proposalSigners   []string
	proposalThreshold int
	proposalValue     int64
)

var proposalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a proposal",
	Long: `Create submits a new proposal. The payload is inline JSON:

  trustctl proposal create --payload '{"action":"rotate-key"}' \
      --signers alice,bob,carol --threshold 2

With a threshold policy configured server-side, pass --value instead of an
explicit signer set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if err := json.Unmarshal([]byte(proposalPayload), &payload); err != nil {
			return fmt.Errorf("payload must be valid JSON: %w", err)
		}
		req := client.CreateProposalRequest{
			Payload:   payload,
			SignerSet: proposalSigners,
			Threshold: proposalThreshold,
		}
		if cmd.Flags().Changed("value") {
			req.Value = &proposalValue
		}
		p, err := apiClient().CreateProposal(context.Background(), req)
		if err != nil {
			return err
		}
		return printJSON(p)
	},
}

var proposalGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient().GetProposal(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(p)
	},
}

var (
	listStatus string
	listLimit  int
)

var proposalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		proposals, err := apiClient().ListProposals(context.Background(), listStatus, listLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tAPPROVALS\tTHRESHOLD\tPROPOSER\tCREATED")
		for _, p := range proposals {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				p.ID, p.Status, len(p.Approvals), p.Threshold, p.ProposerID,
				p.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var (
	approveSigner    string
	approveRole      string
	approveSignature string
)

var proposalApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Submit a signed approval",
	Long: `Approve attaches a signer's approval. The signature is base64 over the
proposal digest, produced out-of-band by the signer's key:

  trustctl proposal approve p-123 --signer alice --signature "MEUCIQ..."`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient().Approve(context.Background(), args[0], approveSigner, approveRole, approveSignature)
		if err != nil {
			return err
		}
		fmt.Printf("proposal %s now %s (%d approvals)\n", p.ID, p.Status, len(p.Approvals))
		return nil
	},
}

var proposalRevokeCmd = &cobra.Command{
	Use:   "revoke <id> <signerId>",
	Short: "Withdraw a signer's approval",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient().Revoke(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("proposal %s now %s (%d approvals)\n", p.ID, p.Status, len(p.Approvals))
		return nil
	},
}

var proposalApplyCmd = &cobra.Command{
	Use:   "apply <id>",
	Short: "Apply an approved proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient().Apply(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("proposal %s %s\n", p.ID, p.Status)
		return nil
	},
}

var ratifyReason string

var proposalRatifyCmd = &cobra.Command{
	Use:   "ratify <id>",
	Short: "Emergency-ratify a proposal, bypassing the threshold",
	Long: `Ratify moves a proposal directly to the ratified state without quorum.
The token must carry the ratifier role and --reason is mandatory; both are
recorded in the audit log.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient().Ratify(context.Background(), args[0], ratifyReason)
		if err != nil {
			return err
		}
		fmt.Printf("proposal %s ratified by %s\n", p.ID, p.RatifiedBy)
		return nil
	},
}

func init() {
	proposalCreateCmd.Flags().StringVar(&proposalPayload, "payload", "", "Proposal payload as inline JSON (required)")
	proposalCreateCmd.Flags().StringSliceVar(&proposalSigners, "signers", nil, "Eligible signer ids")
	proposalCreateCmd.Flags().IntVar(&proposalThreshold, "threshold", 0, "Approvals required")
	proposalCreateCmd.Flags().Int64Var(&proposalValue, "value", 0, "Value for server-side threshold policy resolution")
	proposalCreateCmd.MarkFlagRequired("payload") //nolint:errcheck

	proposalListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	proposalListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum proposals to return")

	proposalApproveCmd.Flags().StringVar(&approveSigner, "signer", "", "Signer id (required)")
	proposalApproveCmd.Flags().StringVar(&approveRole, "role", "", "Signer role")
	proposalApproveCmd.Flags().StringVar(&approveSignature, "signature", "", "Base64 signature over the proposal digest (required)")
	proposalApproveCmd.MarkFlagRequired("signer")    //nolint:errcheck
	proposalApproveCmd.MarkFlagRequired("signature") //nolint:errcheck

	proposalRatifyCmd.Flags().StringVar(&ratifyReason, "reason", "", "Reason for the bypass (required)")
	proposalRatifyCmd.MarkFlagRequired("reason") //nolint:errcheck

	proposalCmd.AddCommand(proposalCreateCmd)
	proposalCmd.AddCommand(proposalGetCmd)
	proposalCmd.AddCommand(proposalListCmd)
	proposalCmd.AddCommand(proposalApproveCmd)
	proposalCmd.AddCommand(proposalRevokeCmd)
	proposalCmd.AddCommand(proposalApplyCmd)
	proposalCmd.AddCommand(proposalRatifyCmd)
}

// ── signers ──────────────────────────────────────────────────────────────────

var signersCmd = &cobra.Command{
	Use:   "signers",
	Short: "List registered signers and their public keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		signers, err := apiClient().ListSigners(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SIGNER\tALGORITHM\tPUBLIC KEY")
		for _, s := range signers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.SignerID, s.Algorithm, short(s.PublicKey))
		}
		return w.Flush()
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenSubject string
	tokenRoles   []string
	tokenIssuer  string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token from the shared service secret",
	Long: `Token signs an API JWT locally with the server's shared secret, for
operators and CI jobs:

  trustctl token --secret "$TRUSTCORE_SECRET" --subject ci --roles operator,auditor`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenIssuer == "" {
			tokenIssuer = serverURL
		}
		issuer := server.NewTokenIssuer([]byte(tokenSecret), tokenIssuer, tokenTTL)
		tok, err := issuer.Issue(tokenSubject, tokenRoles)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Shared service secret (required)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "Token subject")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "roles", []string{"operator"}, "Roles to grant")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Issuer claim (default: server URL)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 8*time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("secret") //nolint:errcheck
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trustctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trustctl", version)
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// short truncates long hex/base64 strings for table output.
func short(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "…"
}
