package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/flotilla/pkg/publisher"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their SSH key authorization",
}

var userAddCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Create or update a user's SSH keys",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

func init() {
	userAddCmd.Flags().StringSlice("region", nil, "Regions to configure the user in (defaults to FLOTILLA_REGION)")
	userAddCmd.Flags().StringSlice("ssh-key", nil, "Authorized SSH public key, repeatable")
	userAddCmd.Flags().Bool("active", true, "Whether this user's keys are currently authorized")

	userCmd.AddCommand(userAddCmd)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	username := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	regions, _ := cmd.Flags().GetStringSlice("region")
	if len(regions) == 0 {
		regions = cfg.Regions
	}
	sshKeys, _ := cmd.Flags().GetStringSlice("ssh-key")
	active, _ := cmd.Flags().GetBool("active")

	user := &types.User{Username: username, SSHKeys: sshKeys, Active: active}

	for _, region := range regions {
		store, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, region), cfg.Environment)
		if err != nil {
			return fmt.Errorf("opening store for region %s: %w", region, err)
		}

		p := publisher.New(store, nil)
		if err := p.ConfigureUser(user); err != nil {
			store.Close()
			return fmt.Errorf("configuring %s in %s: %w", username, region, err)
		}
		store.Close()
	}

	fmt.Printf("User %s configured across %d region(s).\n", username, len(regions))
	return nil
}
