package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/flotilla/pkg/kms"
	"github.com/cuemby/flotilla/pkg/publisher"
	"github.com/cuemby/flotilla/pkg/types"
)

// manifest is the YAML shape `apply` accepts: a service's metadata
// plus, optionally, one revision to publish against it in the same
// pass. It intentionally mirrors only the fields ConfigureService and
// AddRevision need, not a generic resource envelope.
type manifest struct {
	Service  string            `yaml:"service"`
	Metadata manifestMetadata  `yaml:"metadata"`
	Revision *manifestRevision `yaml:"revision,omitempty"`
}

type manifestMetadata struct {
	KMSKey       string   `yaml:"kmsKey,omitempty"`
	DNSName      string   `yaml:"dnsName,omitempty"`
	HealthCheck  string   `yaml:"healthCheck,omitempty"`
	InstanceType string   `yaml:"instanceType,omitempty"`
	InstanceMin  int      `yaml:"instanceMin,omitempty"`
	InstanceMax  int      `yaml:"instanceMax,omitempty"`
	Provision    string   `yaml:"provision,omitempty"`
	ElbScheme    string   `yaml:"elbScheme,omitempty"`
	Admins       []string `yaml:"admins,omitempty"`
}

type manifestRevision struct {
	Label  string            `yaml:"label"`
	Weight int               `yaml:"weight"`
	Unit   manifestUnit      `yaml:"unit"`
	Env    map[string]string `yaml:"env,omitempty"`
}

type manifestUnit struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a service manifest",
	Long: `Apply reads a YAML manifest describing a service's deployment
metadata and, optionally, one revision to publish against it, and
reconciles both in a single pass against one region's store.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Manifest file to apply (required)")
	applyCmd.Flags().String("region", "", "Region to apply to (required)")
	_ = applyCmd.MarkFlagRequired("file")
	_ = applyCmd.MarkFlagRequired("region")

	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, _ []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Service == "" {
		return fmt.Errorf("manifest is missing a service name")
	}

	store, region, err := openRegionStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}
	var kmsClient kms.Client = kms.NewAWSClient(awskms.NewFromConfig(awsCfg))

	pub := publisher.New(store, kmsClient)

	meta := types.ServiceMetadata{
		KMSKey:       m.Metadata.KMSKey,
		DNSName:      m.Metadata.DNSName,
		HealthCheck:  m.Metadata.HealthCheck,
		InstanceType: m.Metadata.InstanceType,
		InstanceMin:  m.Metadata.InstanceMin,
		InstanceMax:  m.Metadata.InstanceMax,
		Provision:    m.Metadata.Provision,
		ElbScheme:    m.Metadata.ElbScheme,
		Admins:       m.Metadata.Admins,
	}
	if err := pub.ConfigureService(m.Service, meta); err != nil {
		return fmt.Errorf("configuring service %s: %w", m.Service, err)
	}
	fmt.Printf("Service %s configured in %s.\n", m.Service, region)

	if m.Revision == nil {
		return nil
	}

	unitFile := m.Revision.Unit.File
	if !filepath.IsAbs(unitFile) && unitFile != "" {
		if resolved, err := filepath.Abs(filepath.Join(filepath.Dir(filename), unitFile)); err == nil {
			if _, statErr := os.Stat(resolved); statErr == nil {
				unitFile = resolved
			}
		}
	}
	contents, err := os.ReadFile(unitFile)
	if err != nil {
		return fmt.Errorf("reading unit file %s: %w", m.Revision.Unit.File, err)
	}

	revHash, err := pub.AddRevision(ctx, m.Service, &types.Revision{
		Label:  m.Revision.Label,
		Weight: m.Revision.Weight,
		Units: []*types.Unit{{
			Name:        m.Revision.Unit.Name,
			UnitFile:    string(contents),
			Environment: m.Revision.Env,
		}},
	})
	if err != nil {
		return fmt.Errorf("publishing revision: %w", err)
	}
	fmt.Printf("Revision %s added to %s in %s.\n", revHash, m.Service, region)
	return nil
}
