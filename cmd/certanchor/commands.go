package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/certanchor/pkg/api"
	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/certanchor/pkg/store"
	"github.com/Mindburn-Labs/certanchor/pkg/verification"
)

// Exit codes of the verify command by verdict. 1 is reserved for errors.
var verdictExitCodes = map[verification.Verdict]int{
	verification.VerdictVerified:          0,
	verification.VerdictTampered:          2,
	verification.VerdictNotAnchored:       3,
	verification.VerdictLedgerUnavailable: 4,
}

// withApp runs fn against a freshly wired app and closes it afterwards.
func (c *cli) withApp(ctx context.Context, fn func(*app) error) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

type attributeFlags struct {
	certificateID, subjectID, credentialID, issuedAt string
}

func (f *attributeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.certificateID, "certificate-id", "", "certificate identifier")
	cmd.Flags().StringVar(&f.subjectID, "subject-id", "", "subject identifier")
	cmd.Flags().StringVar(&f.credentialID, "credential-id", "", "credential identifier")
	cmd.Flags().StringVar(&f.issuedAt, "issued-at", "", "issuance time (RFC 3339)")
}

func (f *attributeFlags) attributes() (canonicalize.Attributes, error) {
	issuedAt, err := canonicalize.ParseIssuedAt(f.issuedAt)
	if err != nil {
		return canonicalize.Attributes{}, err
	}
	attrs := canonicalize.Attributes{
		CertificateID: f.certificateID,
		SubjectID:     f.subjectID,
		CredentialID:  f.credentialID,
		IssuedAt:      issuedAt,
	}
	return attrs, attrs.Validate()
}

func (c *cli) digestCmd() *cobra.Command {
	var flags attributeFlags
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the canonical digest of certificate attributes",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			attrs, err := flags.attributes()
			if err != nil {
				return err
			}
			d, err := canonicalize.Hash(attrs)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.stdout, d.Hex())
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func (c *cli) anchorCmd() *cobra.Command {
	var flags attributeFlags
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Anchor a certificate's digest on the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			attrs, err := flags.attributes()
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				rec, err := a.coord.Anchor(cmd.Context(), attrs)
				if err != nil {
					return err
				}
				if c.cfg.LiteMode() {
					if err := a.source.Put(cmd.Context(), attrs); err != nil {
						return err
					}
				}
				return printJSON(c.stdout, rec)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func (c *cli) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <certificate-id>",
		Short: "Verify a certificate against its ledger anchor",
		Long: `Verify recomputes the certificate digest and compares it with the local
anchor record and the ledger. The exit code reflects the verdict:
0 VERIFIED, 2 TAMPERED, 3 NOT_ANCHORED, 4 LEDGER_UNAVAILABLE.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				res, err := a.verifier.Verify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := printJSON(c.stdout, res); err != nil {
					return err
				}
				if code := verdictExitCodes[res.Verdict]; code != 0 {
					return &exitError{code: code}
				}
				return nil
			})
		},
	}
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <certificate-id>",
		Short: "Resubmit a FAILED anchor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				rec, err := a.coord.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(c.stdout, rec)
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	var (
		state   string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "status [certificate-id]",
		Short: "Show anchor records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := store.ParseState(state)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				if len(args) == 1 {
					rec, err := a.coord.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(c.stdout, rec)
				}
				recs, err := a.coord.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(c.stdout, recs)
				}
				return printRecords(c.stdout, recs)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only show records in this state")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Advance submitted anchors and resume pending ones once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				summary, err := a.coord.Sweep(cmd.Context())
				a.coord.Wait()
				if perr := printJSON(c.stdout, summary); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token with the issuer role",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			auth := api.NewAuthenticator(c.cfg.AuthSecret.Reveal(), "certanchor")
			if auth == nil {
				return fmt.Errorf("no auth secret configured (CERTANCHOR_AUTH_SECRET)")
			}
			token, err := auth.Issue(subject, []string{api.RoleIssuer}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.stdout, token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "issuer", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecords(w io.Writer, recs []store.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CERTIFICATE\tSTATE\tCONFIRMATIONS\tATTEMPTS\tUPDATED")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			r.CertificateID, r.State, r.Confirmations, r.Attempts, r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
