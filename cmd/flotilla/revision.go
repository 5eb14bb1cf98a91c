package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/spf13/cobra"

	"github.com/cuemby/flotilla/pkg/doctor"
	"github.com/cuemby/flotilla/pkg/kms"
	"github.com/cuemby/flotilla/pkg/loadbalancer"
	"github.com/cuemby/flotilla/pkg/publisher"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
)

var revisionCmd = &cobra.Command{
	Use:   "revision",
	Short: "Add, list, weight and retire service revisions",
}

var revisionAddCmd = &cobra.Command{
	Use:   "add SERVICE UNIT_FILE",
	Short: "Add a revision built from a single unit file",
	Args:  cobra.ExactArgs(2),
	RunE:  runRevisionAdd,
}

var revisionListCmd = &cobra.Command{
	Use:   "list SERVICE",
	Short: "List a service's revisions and their weights",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevisionList,
}

var revisionRemoveCmd = &cobra.Command{
	Use:   "rm SERVICE REVISION_HASH",
	Short: "Zero a revision's weight and delete the revision",
	Args:  cobra.ExactArgs(2),
	RunE:  runRevisionRemove,
}

var revisionWeightCmd = &cobra.Command{
	Use:   "weight SERVICE REVISION_HASH WEIGHT",
	Short: "Set a revision's weight",
	Args:  cobra.ExactArgs(3),
	RunE:  runRevisionWeight,
}

func init() {
	revisionAddCmd.Flags().String("region", "", "Region to publish to (required)")
	revisionAddCmd.Flags().String("label", "", "Human-readable revision label")
	revisionAddCmd.Flags().String("unit-name", "", "Unit name, e.g. web.service (required)")
	revisionAddCmd.Flags().Int("weight", 0, "Initial weight")
	revisionAddCmd.Flags().Bool("highlander", false, "Wait for the revision to become healthy everywhere, then finalize and retire all others")
	revisionAddCmd.Flags().Duration("timeout", 5*time.Minute, "Highlander rollout timeout")
	_ = revisionAddCmd.MarkFlagRequired("region")
	_ = revisionAddCmd.MarkFlagRequired("unit-name")

	revisionListCmd.Flags().String("region", "", "Region to read from (required)")
	_ = revisionListCmd.MarkFlagRequired("region")

	revisionRemoveCmd.Flags().String("region", "", "Region to modify (required)")
	_ = revisionRemoveCmd.MarkFlagRequired("region")

	revisionWeightCmd.Flags().String("region", "", "Region to modify (required)")
	_ = revisionWeightCmd.MarkFlagRequired("region")

	revisionCmd.AddCommand(revisionAddCmd)
	revisionCmd.AddCommand(revisionListCmd)
	revisionCmd.AddCommand(revisionRemoveCmd)
	revisionCmd.AddCommand(revisionWeightCmd)
}

func openRegionStore(cmd *cobra.Command) (*storage.BoltStore, string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, "", err
	}
	region, _ := cmd.Flags().GetString("region")
	store, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, region), cfg.Environment)
	if err != nil {
		return nil, "", fmt.Errorf("opening store for region %s: %w", region, err)
	}
	return store, region, nil
}

func runRevisionAdd(cmd *cobra.Command, args []string) error {
	service, unitFilePath := args[0], args[1]

	store, region, err := openRegionStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	unitFile, err := os.ReadFile(unitFilePath)
	if err != nil {
		return fmt.Errorf("reading unit file: %w", err)
	}

	label, _ := cmd.Flags().GetString("label")
	unitName, _ := cmd.Flags().GetString("unit-name")
	weight, _ := cmd.Flags().GetInt("weight")
	highlander, _ := cmd.Flags().GetBool("highlander")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}
	var kmsClient kms.Client = kms.NewAWSClient(awskms.NewFromConfig(awsCfg))

	pub := publisher.New(store, kmsClient)
	revHash, err := pub.AddRevision(ctx, service, &types.Revision{
		Label:  label,
		Weight: weight,
		Units: []*types.Unit{{
			Name:     unitName,
			UnitFile: string(unitFile),
		}},
	})
	if err != nil {
		return err
	}
	fmt.Printf("Revision %s added to %s in %s.\n", revHash, service, region)

	if !highlander {
		return nil
	}

	lb := loadbalancer.New(elasticloadbalancing.NewFromConfig(awsCfg))
	d := doctor.New(store, lb)
	regions := []publisher.RegionDoctor{{Region: region, Doctor: d, Store: store}}

	fmt.Printf("Waiting up to %s for %s to become the sole revision...\n", timeout, revHash)
	if err := pub.PublishAndWait(ctx, regions, service, revHash, timeout); err != nil {
		return err
	}
	fmt.Printf("Revision %s is now the only active revision for %s in %s.\n", revHash, service, region)
	return nil
}

func runRevisionList(cmd *cobra.Command, args []string) error {
	service := args[0]
	store, region, err := openRegionStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	pub := publisher.New(store, nil)
	revisions, err := pub.GetRevisions(context.Background(), service)
	if err != nil {
		return err
	}

	if len(revisions) == 0 {
		fmt.Printf("No revisions for %s in %s.\n", service, region)
		return nil
	}
	for _, r := range revisions {
		fmt.Printf("%s  weight=%-5d label=%s\n", r.Hash, r.Weight, r.Label)
	}
	return nil
}

func runRevisionRemove(cmd *cobra.Command, args []string) error {
	service, revisionHash := args[0], args[1]
	store, region, err := openRegionStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	pub := publisher.New(store, nil)
	if err := pub.DelRevision(service, revisionHash); err != nil {
		return err
	}
	fmt.Printf("Revision %s removed from %s in %s.\n", revisionHash, service, region)
	return nil
}

func runRevisionWeight(cmd *cobra.Command, args []string) error {
	service, revisionHash, weightArg := args[0], args[1], args[2]
	var weight int
	if _, err := fmt.Sscanf(weightArg, "%d", &weight); err != nil {
		return fmt.Errorf("invalid weight %q: %w", weightArg, err)
	}

	store, region, err := openRegionStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	pub := publisher.New(store, nil)
	if err := pub.SetRevisionWeight(service, revisionHash, weight); err != nil {
		return err
	}
	fmt.Printf("Revision %s on %s in %s set to weight %d.\n", revisionHash, service, region, weight)
	return nil
}
