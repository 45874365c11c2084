package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/3scale/ovpn-pki-manager/pkg/audit"
	"github.com/3scale/ovpn-pki-manager/pkg/operations"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newListCmd(a *app) *cobra.Command {
	var all bool
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the clients holding an issued certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			out := cmd.OutOrStdout()
			if !all && output == "text" {
				ids, err := m.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			creds, err := m.Credentials(cmd.Context(), all)
			if err != nil {
				return err
			}
			if output == "text" {
				return printCredentials(out, creds)
			}
			return encode(out, output, creds)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include revoked certificates")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "history [identity]",
		Short: "Show the audit journal, optionally for a single client",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := audit.Open(a.cfg.Audit.Path, a.cfg.PKI.LockTimeout)
			if err != nil {
				return err
			}

			identity := ""
			if len(args) == 1 {
				identity = args[0]
			}
			events, err := j.List(identity)
			if err != nil {
				return err
			}
			if output != "text" {
				return encode(cmd.OutOrStdout(), output, events)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tOP\tIDENTITY\tSERIAL\tACTOR\tDETAIL")
			for _, ev := range events {
				detail := ev.Reason
				if ev.Detail != "" {
					detail = ev.Detail
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.Time.Format(time.RFC3339), ev.Op, ev.Identity, ev.Serial, ev.Actor, detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func printCredentials(out io.Writer, creds []operations.Credential) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tSTATUS\tSERIAL\tNOT AFTER\tREVOKED")
	for _, c := range creds {
		revoked := ""
		if c.RevokedAt != nil {
			revoked = c.RevokedAt.Format(time.RFC3339)
			if c.Reason != "" {
				revoked += " (" + c.Reason + ")"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Identity, c.Status, c.Serial, c.NotAfter.Format("2006-01-02"), revoked)
	}
	return w.Flush()
}

func encode(out io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", format)
}
