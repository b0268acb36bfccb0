package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	backupagent "github.com/httprunner/BackupAgent"
	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	var flagJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered phones with their current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := openAgent(settings)
			if err != nil {
				return err
			}
			defer agent.Close()
			if err := agent.Restore(cmd.Context()); err != nil {
				return err
			}
			snaps := agent.Service().ListDevices()
			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snaps)
			}
			printDevices(snaps)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print snapshots as JSON")
	return cmd
}

func printDevices(snaps []device.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSERIAL\tNAME\tCONNECTION\tBACKUP\tPROGRESS")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0f%%\n",
			s.Key, dash(s.Serial), dash(s.DisplayName), s.Connection, s.Backup, s.Progress)
	}
	_ = w.Flush()
}

func newAddDeviceCmd() *cobra.Command {
	var (
		flagVendor  int
		flagProduct int
		flagName    string
		flagImage   string
		flagFolders []string
	)

	cmd := &cobra.Command{
		Use:   "add-device",
		Short: "Provision phone_info.json onto an attached phone and register it",
		RunE: func(cmd *cobra.Command, args []string) error {
			folders, err := parseFolders(flagFolders)
			if err != nil {
				return err
			}
			agent, err := openAgent(settings)
			if err != nil {
				return err
			}
			defer agent.Close()
			if err := agent.Restore(cmd.Context()); err != nil {
				return err
			}
			m, err := agent.Service().AddDevice(cmd.Context(), flagVendor, flagProduct, backupagent.AddRequest{
				Name:          flagName,
				ImageFilename: flagImage,
				Folders:       folders,
			})
			if err != nil {
				return err
			}
			data, err := m.Encode()
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	cmd.Flags().IntVar(&flagVendor, "vendor", 0, "USB vendor ID (decimal)")
	cmd.Flags().IntVar(&flagProduct, "product", 0, "USB product ID (decimal)")
	cmd.Flags().StringVar(&flagName, "name", "", "Phone display name")
	cmd.Flags().StringVar(&flagImage, "image", "", "Image filename shown by the dashboard")
	cmd.Flags().StringArrayVar(&flagFolders, "folder", nil, "Folder to back up as <source>:<destination>, repeatable")
	_ = cmd.MarkFlagRequired("vendor")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
