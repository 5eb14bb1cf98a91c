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
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/flotilla/pkg/agent"
	"github.com/cuemby/flotilla/pkg/kms"
	"github.com/cuemby/flotilla/pkg/loadbalancer"
	"github.com/cuemby/flotilla/pkg/messaging"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/unitmanager"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the per-instance agent for one service in one region",
	Long: `Agent converges this instance's assigned revision to systemd units,
cycling the instance through its service's load balancer around the
convergence, and reports deploy failures for diagnosis.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("region", "", "Region this agent serves (required)")
	agentCmd.Flags().String("service", "", "Service this agent serves (required)")
	agentCmd.Flags().String("instance-id", "", "Instance id (defaults to a random uuid)")
	agentCmd.Flags().String("elb-queue-url", "", "SQS queue URL for this service's messages (required)")
	_ = agentCmd.MarkFlagRequired("region")
	_ = agentCmd.MarkFlagRequired("service")
	_ = agentCmd.MarkFlagRequired("elb-queue-url")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	region, _ := cmd.Flags().GetString("region")
	service, _ := cmd.Flags().GetString("service")
	instanceID, _ := cmd.Flags().GetString("instance-id")
	queueURL, _ := cmd.Flags().GetString("elb-queue-url")

	if instanceID == "" {
		instanceID = cfg.InstanceID
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
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

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}

	units := unitmanager.NewSystemd(cfg.UnitDir, cfg.EnvDir)
	lb := loadbalancer.New(elasticloadbalancing.NewFromConfig(awsCfg))
	queue := messaging.NewSQSQueue(sqs.NewFromConfig(awsCfg), queueURL)
	var kmsClient kms.Client = kms.NewAWSClient(awskms.NewFromConfig(awsCfg))

	a := agent.New(agent.Config{
		Service:       service,
		InstanceID:    instanceID,
		DeployLockTTL: cfg.DeployLockTTL,
	}, store, kmsClient, units, lb, queue)

	metrics.RegisterComponent("agent", true, "")
	a.Start(ctx)
	<-ctx.Done()
	a.Stop()
	return nil
}
