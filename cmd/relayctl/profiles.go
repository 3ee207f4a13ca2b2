package main

import (
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"
)

func newTLSProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls-profile",
		Short: "Manage TLS profiles",
	}
	cmd.AddCommand(
		newTLSProfileCreateCommand(),
		newTLSProfileListCommand(),
		newEndpointDeleteCommand("tls-profile", func(id string) error {
			return apiClient().DeleteTLSProfile(id)
		}),
	)
	return cmd
}

func newTLSProfileCreateCommand() *cobra.Command {
	var (
		name        string
		certFile    string
		keyFile     string
		certDB      string
		askPassword bool
		setFlags    []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a TLS profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := parseSetFlags(setFlags)
			if err != nil {
				return err
			}
			if name != "" {
				fields["name"] = name
			}
			if certFile != "" {
				fields["certFile"] = certFile
			}
			if keyFile != "" {
				fields["keyFile"] = keyFile
			}
			if certDB != "" {
				fields["certDb"] = certDB
			}

			if askPassword {
				fmt.Fprint(os.Stderr, "Private key password: ")
				secret, err := terminal.ReadPassword(int(syscall.Stdin))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				fields["password"] = "literal: " + string(secret)
			}

			id, err := apiClient().CreateTLSProfile(fields)
			if err != nil {
				return err
			}
			out := newOutputFormatter(cmd)
			return out.Print(map[string]string{"id": id}, id)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "profile name (required)")
	cmd.Flags().StringVar(&certFile, "cert-file", "", "path to the certificate file")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "path to the private key file")
	cmd.Flags().StringVar(&certDB, "cert-db", "", "path to the trusted CA database")
	cmd.Flags().BoolVar(&askPassword, "ask-password", false, "prompt for the private key password")
	cmd.Flags().StringArrayVar(&setFlags, "set", nil, "additional entity field as key=value (repeatable)")
	return cmd
}

func newTLSProfileListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List TLS profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			profiles, err := apiClient().ListTLSProfiles()
			if err != nil {
				return err
			}

			out := newOutputFormatter(cmd)
			if out.jsonMode {
				return out.Print(profiles, "")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCERT\tKEY\tPASSWORD")
			for _, p := range profiles {
				password := "-"
				if p.HasPassword {
					password = "set"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.Name, p.CertFile, p.PrivateKeyFile, password)
			}
			return w.Flush()
		},
	}
}
