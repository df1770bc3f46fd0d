// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/i18n"
	"github.com/veitkamp/wgfleet/internal/model"
)

// parseID converts a positional id argument, failing with a uniform message.
func parseID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage gateway hosts",
	}
	cmd.AddCommand(
		newHostAddCmd(),
		newHostListCmd(),
		newHostShowCmd(),
		newHostDeployCmd(),
		newHostRemoveCmd(),
	)
	return cmd
}

func newHostAddCmd() *cobra.Command {
	var (
		name        string
		address     string
		port        int
		username    string
		keyFile     string
		askPassword bool
		iface       string
		subnet      string
		listenPort  int
	)
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Register a new gateway host",
		Long:    `Registers a host in the database. The host is not touched until 'host deploy' runs.`,
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			host := model.Host{
				Name:       name,
				Address:    address,
				Port:       port,
				Username:   username,
				Iface:      iface,
				Subnet:     subnet,
				ListenPort: listenPort,
				State:      model.HostRegistered,
			}

			if keyFile != "" {
				key, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("could not read key file: %w", err)
				}
				host.PrivateKey = string(key)
			}
			if askPassword {
				fmt.Print(i18n.T("host.password_prompt"))
				pw, err := term.ReadPassword(int(os.Stdin.Fd()))
				if err != nil {
					return fmt.Errorf("could not read password: %w", err)
				}
				fmt.Println()
				host.Password = string(pw)
			}

			id, err := db.AddHost(host)
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("host.added", host.Name, id, id))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name for the host")
	cmd.Flags().StringVar(&address, "address", "", "SSH address (also the public VPN endpoint)")
	cmd.Flags().IntVar(&port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&username, "user", "root", "SSH username")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "Path to a PEM-encoded SSH private key")
	cmd.Flags().BoolVar(&askPassword, "ask-password", false, "Prompt for an SSH password")
	cmd.Flags().StringVar(&iface, "iface", "wg0", "WireGuard interface name")
	cmd.Flags().StringVar(&subnet, "subnet", "10.8.0.0/24", "Tunnel subnet in CIDR form")
	cmd.Flags().IntVar(&listenPort, "listen-port", 51820, "WireGuard UDP listen port")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func newHostListCmd() *cobra.Command {
	var stateFilter string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List registered hosts",
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			var hosts []model.Host
			var err error
			if stateFilter != "" {
				state := model.HostState(stateFilter)
				if !model.ValidHostState(state) {
					return fmt.Errorf("unknown state %q", stateFilter)
				}
				hosts, err = db.GetHostsByState(state)
			} else {
				hosts, err = db.GetAllHosts()
			}
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				fmt.Println(i18n.T("host.none"))
				return nil
			}
			for _, h := range hosts {
				fmt.Printf("%-4d %-20s %-22s %-10s %s/%s\n", h.ID, h.Name, h.String(), h.State, h.Iface, h.Subnet)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stateFilter, "state", "", "Only show hosts in this state")
	return cmd
}

func newHostShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "show <host-id>",
		Short:   "Show details for one host",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			h, err := db.GetHost(id)
			if err != nil {
				return fmt.Errorf("%s", i18n.T("host.not_found", err))
			}
			fmt.Printf("Name:        %s\n", h.Name)
			fmt.Printf("SSH:         %s\n", h.String())
			fmt.Printf("Endpoint:    %s\n", h.Endpoint())
			fmt.Printf("Interface:   %s (%s)\n", h.Iface, h.Subnet)
			fmt.Printf("State:       %s\n", h.State)
			if h.WGPublicKey != "" {
				fmt.Printf("Server key:  %s\n", h.WGPublicKey)
			}
			if h.State == model.HostFailed {
				fmt.Printf("Failed step: %s\n", h.LastStep)
				fmt.Printf("Last error:  %s\n", h.LastError)
			}

			devices, err := db.GetDevicesForHost(h.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Devices:     %d\n", len(devices))
			for _, d := range devices {
				lastSeen := "never"
				if d.LastSeen != nil {
					lastSeen = d.LastSeen.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Printf("  %-4d %-16s %-14s %-8s last seen %s\n", d.ID, d.Name, d.TunnelIP, d.State, lastSeen)
			}
			return nil
		},
	}
}

func newHostDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <host-id>",
		Short: "Provision a host as a WireGuard gateway",
		Long: `Runs the provisioning sequence on the host over SSH: install packages,
write the interface config, enable forwarding, start the service, verify.
A failed deployment can be re-run and resumes at the failing step.`,
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			h, err := db.GetHost(id)
			if err != nil {
				return fmt.Errorf("%s", i18n.T("host.not_found", err))
			}
			fmt.Println(i18n.T("host.deploy_start", h.Name))
			if err := controller.Deploy(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Println(i18n.T("host.deploy_success", h.Name))
			return nil
		},
	}
}

func newHostRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <host-id>",
		Short:   "Delete a host",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := db.DeleteHost(id); err != nil {
				log.Errorf("delete host %d: %v", id, err)
				return err
			}
			fmt.Println(i18n.T("host.deleted", id))
			return nil
		},
	}
}
