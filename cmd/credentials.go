package cmd

import (
	"fmt"

	"github.com/3scale/ovpn-pki-manager/pkg/operations"
	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the certificate authority, the server certificate, the CRL and the tunnel secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Init(cmd.Context(), actor()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Certificate authority created in %s\n", m.Store.Dir())
			return nil
		},
	}
}

func newIssueCmd(a *app) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "issue <identity>",
		Short: "Issue a client certificate and write its profile",
		Long: `Issue a client certificate and write its .ovpn profile to the bundles
directory. An identity that already holds a certificate is refused unless
--yes is given, in which case the previous certificate is revoked first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := m.Issue(cmd.Context(), operations.IssueRequest{
				Identity: args[0],
				Confirm:  confirm,
				Actor:    actor(),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Superseded != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Revoked previous certificate %s of %s\n", res.Superseded.Serial, args[0])
			}
			printWarnings(cmd, res.Warnings)
			fmt.Fprintln(out, res.BundlePath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&confirm, "yes", "y", false, "replace an already issued certificate")
	return cmd
}

func newRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <identity>",
		Short: "Revoke the certificate of a client and regenerate the CRL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := m.Revoke(cmd.Context(), operations.RevokeRequest{Identity: args[0], Actor: actor()})
			if err != nil {
				return err
			}
			printWarnings(cmd, res.Warnings)
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked certificate %s of %s\n", res.Credential.Serial, args[0])
			return nil
		},
	}
}

func newBundleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bundle <identity>",
		Short: "Rebuild the profile of an issued client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			b, err := m.Bundle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), b.Path)
			return nil
		},
	}
}

func newCRLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "crl",
		Short: "Regenerate the CRL and reload the VPN daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			crl, warnings, err := m.RefreshCRL(cmd.Context())
			if err != nil {
				return err
			}
			serials, err := operations.RevokedSerials(crl)
			if err != nil {
				return err
			}
			printWarnings(cmd, warnings)
			fmt.Fprintf(cmd.OutOrStdout(), "CRL regenerated with %d revoked certificates\n", len(serials))
			return nil
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove key, request and certificate files no issued certificate refers to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			removed, err := m.Cleanup(cmd.Context(), actor())
			for _, path := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return err
		},
	}
}

func printWarnings(cmd *cobra.Command, warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning:", w)
	}
}
