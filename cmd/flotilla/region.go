package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/flotilla/pkg/publisher"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
)

var regionCmd = &cobra.Command{
	Use:   "region",
	Short: "Manage region configuration",
}

var regionConfigureCmd = &cobra.Command{
	Use:   "configure NAME",
	Short: "Create or update a region's scheduler parameters",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegionConfigure,
}

func init() {
	regionConfigureCmd.Flags().String("az1", "", "First availability zone")
	regionConfigureCmd.Flags().String("az2", "", "Second availability zone")
	regionConfigureCmd.Flags().String("az3", "", "Third availability zone")
	regionConfigureCmd.Flags().Bool("scheduler", false, "Whether this region hosts the scheduler")
	regionConfigureCmd.Flags().String("scheduler-instance-type", "", "Scheduler instance type")
	regionConfigureCmd.Flags().String("scheduler-image-channel", "", "Scheduler AMI channel")
	regionConfigureCmd.Flags().String("scheduler-image-version", "", "Scheduler AMI version")

	regionCmd.AddCommand(regionConfigureCmd)
}

func runRegionConfigure(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	name := args[0]

	az1, _ := cmd.Flags().GetString("az1")
	az2, _ := cmd.Flags().GetString("az2")
	az3, _ := cmd.Flags().GetString("az3")
	sched, _ := cmd.Flags().GetBool("scheduler")
	schedType, _ := cmd.Flags().GetString("scheduler-instance-type")
	schedChannel, _ := cmd.Flags().GetString("scheduler-image-channel")
	schedVersion, _ := cmd.Flags().GetString("scheduler-image-version")

	store, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, name), cfg.Environment)
	if err != nil {
		return fmt.Errorf("opening store for region %s: %w", name, err)
	}
	defer store.Close()

	pub := publisher.New(store, nil)
	if err := pub.ConfigureRegion(&types.RegionParams{
		Name:                  name,
		AZ1:                   az1,
		AZ2:                   az2,
		AZ3:                   az3,
		Scheduler:             sched,
		SchedulerInstanceType: schedType,
		SchedulerImageChannel: schedChannel,
		SchedulerImageVersion: schedVersion,
	}); err != nil {
		return err
	}

	fmt.Printf("Region %s configured.\n", name)
	return nil
}
