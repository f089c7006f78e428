// devicectl is an operator CLI for the device registry.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dkess/unified-ingestor/internal/database"
	"github.com/dkess/unified-ingestor/internal/registry"
)

var databaseURL string

func main() {
	root := &cobra.Command{
		Use:           "devicectl",
		Short:         "Inspect and edit the device registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")

	root.AddCommand(listCmd(), findCmd(), setNameCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withRegistry connects, runs fn, and closes the pool.
func withRegistry(fn func(ctx context.Context, reg *registry.Registry) error) error {
	if databaseURL == "" {
		return fmt.Errorf("no database configured, set DATABASE_URL or --database-url")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	db, err := database.Connect(ctx, databaseURL, log)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, registry.New(db, log))
}

func listCmd() *cobra.Command {
	var topic, table string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
				var (
					devices []registry.Device
					err     error
				)
				switch {
				case topic != "":
					devices, err = reg.FindByTopic(ctx, topic)
				case table != "":
					devices, err = reg.FindByTable(ctx, table)
				default:
					devices, err = reg.ListAll(ctx)
				}
				if err != nil {
					return err
				}
				printDevices(devices)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "filter by topic")
	cmd.Flags().StringVar(&table, "table", "", "filter by table")
	return cmd
}

func findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <topic> <device-id>",
		Short: "Show one device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
				device, err := reg.Find(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if device == nil {
					return fmt.Errorf("device %s on topic %s not found", args[1], args[0])
				}
				printDevices([]registry.Device{*device})
				return nil
			})
		},
	}
}

func setNameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-name <topic> <device-id> <name>",
		Short: "Assign a human-readable device name",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
				updated, err := reg.SetName(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				if !updated {
					return fmt.Errorf("device %s on topic %s not found", args[1], args[0])
				}
				fmt.Printf("named device %s on %s %q\n", args[1], args[0], args[2])
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show registry aggregates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
				stats, err := reg.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("devices: %d (%d named, %d unnamed)\n", stats.Total, stats.Named, stats.Unnamed)
				fmt.Println("\nper topic:")
				for topic, n := range stats.PerTopic {
					fmt.Printf("  %-30s %d\n", topic, n)
				}
				fmt.Println("\nper table:")
				for table, n := range stats.PerTable {
					fmt.Printf("  %-30s %d\n", table, n)
				}
				return nil
			})
		},
	}
}

func printDevices(devices []registry.Device) {
	if len(devices) == 0 {
		fmt.Println("no devices")
		return
	}
	fmt.Printf("%-25s %-12s %-30s %-15s %-10s %s\n", "TOPIC", "DEVICE", "TABLE", "PATTERN", "MESSAGES", "NAME")
	for _, d := range devices {
		name := ""
		if d.DeviceName != nil {
			name = *d.DeviceName
		}
		fmt.Printf("%-25s %-12s %-30s %-15s %-10d %s\n", d.Topic, d.DeviceID, d.TableName, d.PatternName, d.MessageCount, name)
	}
}
