package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/flotilla/pkg/publisher"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage service configuration",
}

var serviceConfigureCmd = &cobra.Command{
	Use:   "configure NAME",
	Short: "Create or update a service's deployment metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceConfigure,
}

func init() {
	serviceConfigureCmd.Flags().StringSlice("region", nil, "Regions this service deploys to (defaults to FLOTILLA_REGION)")
	serviceConfigureCmd.Flags().String("kms-key", "", "KMS key id used to envelope-encrypt unit environments")
	serviceConfigureCmd.Flags().StringSlice("public-port", nil, "Public port, repeatable, PORT/PROTO (e.g. 443/tcp)")
	serviceConfigureCmd.Flags().StringSlice("private-port", nil, "Private port, repeatable, PORT/PROTO")
	serviceConfigureCmd.Flags().String("dns-name", "", "DNS name the provisioner binds to this service's load balancer")
	serviceConfigureCmd.Flags().String("health-check", "", "Load balancer health check target")
	serviceConfigureCmd.Flags().String("instance-type", "", "EC2 instance type for this service's fleet")
	serviceConfigureCmd.Flags().Int("instance-min", 0, "Minimum instance count")
	serviceConfigureCmd.Flags().Int("instance-max", 0, "Maximum instance count")
	serviceConfigureCmd.Flags().String("provision", "", "Provisioner template name")
	serviceConfigureCmd.Flags().String("elb-scheme", "", "Load balancer scheme (internal or internet-facing)")
	serviceConfigureCmd.Flags().StringSlice("admin", nil, "Username permitted to administer this service, repeatable")

	serviceCmd.AddCommand(serviceConfigureCmd)
}

func parsePortMappings(raw []string) ([]types.PortMapping, error) {
	var out []types.PortMapping
	for _, r := range raw {
		parts := strings.SplitN(r, "/", 2)
		port, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", r, err)
		}
		pm := types.PortMapping{Port: port}
		if len(parts) == 2 {
			pm.Protocol = parts[1]
		}
		out = append(out, pm)
	}
	return out, nil
}

func runServiceConfigure(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	name := args[0]

	regions, _ := cmd.Flags().GetStringSlice("region")
	if len(regions) == 0 {
		regions = cfg.Regions
	}

	publicPorts, _ := cmd.Flags().GetStringSlice("public-port")
	privatePorts, _ := cmd.Flags().GetStringSlice("private-port")
	pub, err := parsePortMappings(publicPorts)
	if err != nil {
		return err
	}
	priv, err := parsePortMappings(privatePorts)
	if err != nil {
		return err
	}

	kmsKey, _ := cmd.Flags().GetString("kms-key")
	dnsName, _ := cmd.Flags().GetString("dns-name")
	healthCheck, _ := cmd.Flags().GetString("health-check")
	instanceType, _ := cmd.Flags().GetString("instance-type")
	instanceMin, _ := cmd.Flags().GetInt("instance-min")
	instanceMax, _ := cmd.Flags().GetInt("instance-max")
	provision, _ := cmd.Flags().GetString("provision")
	elbScheme, _ := cmd.Flags().GetString("elb-scheme")
	admins, _ := cmd.Flags().GetStringSlice("admin")

	meta := types.ServiceMetadata{
		Regions:      regions,
		KMSKey:       kmsKey,
		PublicPorts:  pub,
		PrivatePorts: priv,
		DNSName:      dnsName,
		HealthCheck:  healthCheck,
		InstanceType: instanceType,
		InstanceMin:  instanceMin,
		InstanceMax:  instanceMax,
		Provision:    provision,
		ElbScheme:    elbScheme,
		Admins:       admins,
	}

	for _, region := range regions {
		store, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, region), cfg.Environment)
		if err != nil {
			return fmt.Errorf("opening store for region %s: %w", region, err)
		}

		p := publisher.New(store, nil)
		if err := p.ConfigureService(name, meta); err != nil {
			store.Close()
			return fmt.Errorf("configuring %s in %s: %w", name, region, err)
		}
		store.Close()
	}

	fmt.Printf("Service %s configured across %d region(s).\n", name, len(regions))
	return nil
}
