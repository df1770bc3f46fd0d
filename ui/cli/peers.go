// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"os"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/i18n"
	"github.com/veitkamp/wgfleet/internal/peer"
)

func newPeerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage device credentials",
	}
	cmd.AddCommand(
		newPeerAddCmd(),
		newPeerListCmd(),
		newPeerRevokeCmd(),
		newPeerRestoreCmd(),
		newPeerRemoveCmd(),
		newPeerConfigCmd(),
	)
	return cmd
}

func newPeerAddCmd() *cobra.Command {
	var name string
	var qrFile string
	cmd := &cobra.Command{
		Use:   "add <host-id>",
		Short: "Create a device credential on a host",
		Long: `Generates a fresh keypair, assigns the next free tunnel address and
registers the peer on the gateway. Nothing is stored unless the gateway
confirms the registration. The private key is printed exactly once, as
part of the connection profile; it is never shown again.`,
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			hostID, err := parseID(args[0])
			if err != nil {
				return err
			}
			device, profile, err := manager.Create(cmd.Context(), hostID, name)
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("peer.added", device.Name, device.TunnelIP))
			fmt.Println(i18n.T("peer.config_hint"))
			fmt.Println()
			fmt.Print(profile.Text)
			if qrFile != "" {
				if err := os.WriteFile(qrFile, profile.QR, 0600); err != nil {
					return fmt.Errorf("could not write QR image: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Device name, e.g. \"annas-phone\"")
	cmd.Flags().StringVar(&qrFile, "qr", "", "Write the profile QR code PNG to this file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newPeerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list <host-id>",
		Short:   "List devices on a host",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			hostID, err := parseID(args[0])
			if err != nil {
				return err
			}
			devices, err := db.GetDevicesForHost(hostID)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println(i18n.T("peer.none"))
				return nil
			}
			for _, d := range devices {
				lastSeen := "never"
				if d.LastSeen != nil {
					lastSeen = d.LastSeen.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-4d %-16s %-14s %-8s last seen %s\n", d.ID, d.Name, d.TunnelIP, d.State, lastSeen)
			}
			return nil
		},
	}
}

func newPeerRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a device credential",
		Long: `Marks the credential revoked and disables it on the gateway. The local
revocation always applies; if the gateway is unreachable the remote
cleanup is reported as a warning and caught up on the next deploy.`,
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			warn, err := manager.Revoke(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("peer.revoked", id))
			if warn != nil {
				fmt.Println(i18n.T("peer.remote_warning", warn))
			}
			return nil
		},
	}
}

func newPeerRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "restore <device-id>",
		Short:   "Restore a revoked device credential",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			warn, err := manager.Restore(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("peer.restored", id))
			if warn != nil {
				fmt.Println(i18n.T("peer.remote_warning", warn))
			}
			return nil
		},
	}
}

func newPeerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <device-id>",
		Short:   "Delete a device credential and free its tunnel address",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			warn, err := manager.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("peer.deleted", id))
			if warn != nil {
				fmt.Println(i18n.T("peer.remote_warning", warn))
			}
			return nil
		},
	}
}

func newPeerConfigCmd() *cobra.Command {
	var copyToClipboard bool
	var qrFile string
	cmd := &cobra.Command{
		Use:     "config <device-id>",
		Short:   "Re-print the connection profile for a device",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			device, err := db.GetDevice(id)
			if err != nil {
				return err
			}
			host, err := db.GetHost(device.HostID)
			if err != nil {
				return err
			}
			profile, err := peer.BuildProfile(*host, *device)
			if err != nil {
				return err
			}
			fmt.Print(profile.Text)
			if copyToClipboard {
				if err := clipboard.WriteAll(profile.Text); err != nil {
					return fmt.Errorf("could not copy to clipboard: %w", err)
				}
				fmt.Println(i18n.T("peer.copied"))
			}
			if qrFile != "" {
				if err := os.WriteFile(qrFile, profile.QR, 0600); err != nil {
					return fmt.Errorf("could not write QR image: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&copyToClipboard, "copy", false, "Copy the configuration to the clipboard")
	cmd.Flags().StringVar(&qrFile, "qr", "", "Write the profile QR code PNG to this file")
	return cmd
}
