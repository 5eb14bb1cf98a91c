package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/flotilla/pkg/doctor"
	"github.com/cuemby/flotilla/pkg/loadbalancer"
	"github.com/cuemby/flotilla/pkg/messaging"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/scheduler"
	"github.com/cuemby/flotilla/pkg/storage"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the region scheduler",
	Long: `Scheduler elects a single leader per region and, while leading,
recomputes every service's weighted instance assignment on a fixed
interval, in addition to reacting on-demand to Reschedule and
ServiceFailure messages on the region's queue.`,
	RunE: runScheduler,
}

func init() {
	schedulerCmd.Flags().String("region", "", "Region this scheduler serves (required)")
	schedulerCmd.Flags().String("owner-id", "", "Lock owner id (defaults to a random uuid)")
	schedulerCmd.Flags().String("region-queue-url", "", "SQS queue URL for this region's Reschedule/ServiceFailure messages")
	_ = schedulerCmd.MarkFlagRequired("region")
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	region, _ := cmd.Flags().GetString("region")
	ownerID, _ := cmd.Flags().GetString("owner-id")
	queueURL, _ := cmd.Flags().GetString("region-queue-url")
	if ownerID == "" {
		ownerID = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveMetrics(cfg.MetricsAddr)

	store, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, region), cfg.Environment)
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return fmt.Errorf("opening store for region %s: %w", region, err)
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, "")

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	var queue messaging.Queue
	var doc *doctor.Doctor
	if queueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return fmt.Errorf("loading aws config: %w", err)
		}
		queue = messaging.NewSQSQueue(sqs.NewFromConfig(awsCfg), queueURL)
		lb := loadbalancer.New(elasticloadbalancing.NewFromConfig(awsCfg))
		doc = doctor.New(store, lb)
	}

	s := scheduler.New(store, ownerID, queue, doc)
	metrics.RegisterComponent("scheduler", true, "")
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}
