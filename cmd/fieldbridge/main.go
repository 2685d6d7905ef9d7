package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldbridge/fieldbridge/pkg/api"
	"github.com/fieldbridge/fieldbridge/pkg/bridge"
	"github.com/fieldbridge/fieldbridge/pkg/config"
	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/wot"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fieldbridge",
	Short: "Fieldbridge - industrial telemetry connector",
	Long: `Fieldbridge runs in the plant DMZ and bridges field devices to the
cloud. It ingests telemetry over OPC-UA, MQTT, and Modbus TCP, buffers it
through a bounded queue with an encrypted disk spool, and streams it to the
cloud ingestion service with authentication, retry, and circuit breaking.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Fieldbridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "fieldbridge.yaml", "configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tdCmd)
	tdCmd.AddCommand(tdInspectCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the connector",
	Long: `Start the pipeline: connect the configured sources, serve the
management API, and deliver records to the sink until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Connector.LogLevel),
			JSONOutput: cfg.Connector.LogJSON,
		})
		log.Info(fmt.Sprintf("Starting fieldbridge %s (%s)", Version, cfg.String()))

		b, err := bridge.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := api.New(cfg.API.Listen, b)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(ctx)
		}()

		if err := b.Run(ctx); err != nil {
			return err
		}
		return <-errCh
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration OK: %s\n", cfg.String())
		return nil
	},
}

var tdCmd = &cobra.Command{
	Use:   "td",
	Short: "Work with Thing Descriptions",
}

var tdInspectCmd = &cobra.Command{
	Use:   "inspect <url>",
	Short: "Fetch a Thing Description and show the source it would create",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thing, err := wot.FetchThing(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		src, err := thing.Source("preview")
		if err != nil {
			return err
		}

		fmt.Printf("Thing:    %s (%s)\n", thing.Title, thing.ID)
		fmt.Printf("Protocol: %s\n", thing.Protocol)
		fmt.Printf("Endpoint: %s\n", thing.Endpoint)
		fmt.Printf("Properties:\n")
		for _, p := range thing.Properties {
			line := fmt.Sprintf("  %-20s %s", p.Name, p.Topic)
			if p.SemanticType != "" {
				line += "  [" + p.SemanticType + "]"
			}
			if p.UnitURI != "" {
				line += "  unit=" + p.UnitURI
			}
			fmt.Println(line)
		}

		out, err := json.MarshalIndent(src, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("\nDerived source:\n%s\n", out)
		return nil
	},
}
