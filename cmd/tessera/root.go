package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tessera/internal/config"
	"tessera/internal/identifier"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tessera",
		Short:         "Operator CLI for the tesserad translation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	loadClient := func() (*apiClient, error) {
		cfg, _, _, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return newAPIClient(cfg), nil
	}

	root.AddCommand(
		newStatusCommand(loadClient),
		newJobsCommand(loadClient),
		newShowCommand(loadClient),
		newTranslateCommand(loadClient),
		newRetryCommand(loadClient),
		newCancelCommand(loadClient),
		newDeleteCommand(loadClient),
		newConfigCommand(&configPath),
		newURNCommand(),
	)
	return root
}

type clientFactory func() (*apiClient, error)

func newStatusCommand(loadClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			health, err := client.health()
			if err != nil {
				return err
			}
			uptime := (time.Duration(health.UptimeSeconds) * time.Second).String()
			fmt.Fprintf(cmd.OutOrStdout(), "daemon: %s (pid %d, up %s)\n", health.Status, health.PID, uptime)
			renderStatsTable(cmd.OutOrStdout(), health)
			return nil
		},
	}
}

func newJobsCommand(loadClient clientFactory) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List translation jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			items, err := client.listJobs(statusFilter)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
				return nil
			}
			renderJobsTable(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "comma-separated status filter (pending,inprogress,success,failed,timeout,cancelled)")
	return cmd
}

func newShowCommand(loadClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			job, err := client.getJob(args[0])
			if err != nil {
				return err
			}
			renderJobDetail(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newTranslateCommand(loadClient clientFactory) *cobra.Command {
	var (
		formats  []string
		quality  string
		priority string
		owner    string
	)

	cmd := &cobra.Command{
		Use:   "translate <source-urn>",
		Short: "Submit a translation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			payload := map[string]any{
				"sourceUrn": args[0],
				"formats":   formats,
			}
			if quality != "" {
				payload["quality"] = quality
			}
			if priority != "" {
				payload["priority"] = priority
			}
			if owner != "" {
				payload["ownerId"] = owner
			}
			job, created, err := client.startJob(payload)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "job %d created\n", job.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "job %d already active for this source\n", job.ID)
			}
			renderJobDetail(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&formats, "formats", []string{"svf2"}, "output formats (svf, svf2, thumbnail, stl, obj, ifc)")
	cmd.Flags().StringVar(&quality, "quality", "", "quality level (low, medium, high)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, normal, high, urgent)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner identifier")
	return cmd
}

func newRetryCommand(loadClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-arm a failed or timed out job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			job, err := client.retryJob(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d re-armed (retry %d of %d)\n", job.ID, job.RetryCount, job.MaxRetries)
			return nil
		},
	}
}

func newCancelCommand(loadClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an active job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			job, err := client.cancelJob(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d cancelled\n", job.ID)
			return nil
		},
	}
}

func newDeleteCommand(loadClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a terminal job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			if err := client.deleteJob(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s deleted\n", args[0])
			return nil
		},
	}
}

func newConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := *configPath
			if target == "" {
				var err error
				target, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("config already exists at %s", target)
			}
			if err := config.CreateSample(target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote sample config to %s\n", target)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, resolvedPath, existed, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			source := resolvedPath
			if !existed {
				source = "defaults (no config file)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config: %s\n", source)
			renderConfigTable(cmd.OutOrStdout(), cfg)
			return nil
		},
	})
	return cmd
}

// newURNCommand exposes the identifier codec for scripting and debugging.
func newURNCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "urn",
		Short: "Work with source identifiers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "encode <urn>",
		Short: "Base64-encode a validated identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := identifier.Validate(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), identifier.Encode(args[0]))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "decode <encoded>",
		Short: "Decode and validate a base64 identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded, err := identifier.Decode(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), decoded)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "compose <bucket> <object>",
		Short: "Compose an object identifier from its components",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), identifier.GenerateObjectID(args[0], args[1]))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "split <urn>",
		Short: "Split an object identifier into bucket and object key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, object, err := identifier.Split(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bucket: %s\nobject: %s\n", bucket, object)
			return nil
		},
	})
	return cmd
}

func joinFormats(formats []string) string {
	return strings.Join(formats, ", ")
}
