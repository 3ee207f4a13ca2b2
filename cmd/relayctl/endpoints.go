package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relayd/internal/connmgr"
)

func newListenerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listener",
		Short: "Manage inbound listeners",
	}
	cmd.AddCommand(
		newEndpointCreateCommand("listener", func(fields map[string]string) (string, error) {
			return apiClient().CreateListener(fields)
		}),
		newEndpointListCommand("listener", func() ([]connmgr.EndpointInfo, error) {
			return apiClient().ListListeners()
		}),
		newEndpointDeleteCommand("listener", func(id string) error {
			return apiClient().DeleteListener(id)
		}),
	)
	return cmd
}

func newConnectorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Manage outbound connectors",
	}
	cmd.AddCommand(
		newEndpointCreateCommand("connector", func(fields map[string]string) (string, error) {
			return apiClient().CreateConnector(fields)
		}),
		newEndpointListCommand("connector", func() ([]connmgr.EndpointInfo, error) {
			return apiClient().ListConnectors()
		}),
		newEndpointDeleteCommand("connector", func(id string) error {
			return apiClient().DeleteConnector(id)
		}),
	)
	return cmd
}

func newEndpointCreateCommand(kind string, create func(map[string]string) (string, error)) *cobra.Command {
	var (
		host       string
		port       string
		role       string
		name       string
		sslProfile string
		setFlags   []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: fmt.Sprintf("Create a %s", kind),
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := parseSetFlags(setFlags)
			if err != nil {
				return err
			}
			if host != "" {
				fields["host"] = host
			}
			if port != "" {
				fields["port"] = port
			}
			if role != "" {
				fields["role"] = role
			}
			if name != "" {
				fields["name"] = name
			}
			if sslProfile != "" {
				fields["sslProfile"] = sslProfile
			}

			id, err := create(fields)
			if err != nil {
				return err
			}
			out := newOutputFormatter(cmd)
			return out.Print(map[string]string{"id": id}, id)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "host or interface address")
	cmd.Flags().StringVar(&port, "port", "", "port number or service name")
	cmd.Flags().StringVar(&role, "role", "", "endpoint role (normal, inter-router, route-container)")
	cmd.Flags().StringVar(&name, "name", "", "endpoint name")
	cmd.Flags().StringVar(&sslProfile, "ssl-profile", "", "TLS profile name to resolve")
	cmd.Flags().StringArrayVar(&setFlags, "set", nil, "additional entity field as key=value (repeatable)")
	return cmd
}

func newEndpointListCommand(kind string, list func() ([]connmgr.EndpointInfo, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List %ss", kind),
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := list()
			if err != nil {
				return err
			}

			out := newOutputFormatter(cmd)
			if out.jsonMode {
				return out.Print(infos, "")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tADDRESS\tACTIVE")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					info.ID, info.Name, info.Role, info.HostPort, info.Active)
			}
			return w.Flush()
		},
	}
}

func newEndpointDeleteCommand(kind string, remove func(string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: fmt.Sprintf("Delete a %s by id", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s %s\n", kind, args[0])
			return nil
		},
	}
}
