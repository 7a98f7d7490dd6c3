// Command campaignctl is the operator CLI for the broadcast engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/app"
	"github.com/HealthFlowEgy/wasslchat/internal/config"
	"github.com/HealthFlowEgy/wasslchat/internal/db"
	"github.com/HealthFlowEgy/wasslchat/internal/logging"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
	"github.com/HealthFlowEgy/wasslchat/internal/service"
)

var tenantID string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "campaignctl",
		Short:         "Operate broadcast campaigns",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id (required for campaign commands)")

	root.AddCommand(
		migrateCmd(),
		createCmd(),
		actionCmd("send", "Queue a draft or scheduled campaign now", (*service.CampaignService).SendNow),
		actionCmd("pause", "Pause a sending campaign", (*service.CampaignService).Pause),
		actionCmd("resume", "Resume a paused campaign", (*service.CampaignService).Resume),
		actionCmd("cancel", "Cancel a campaign", (*service.CampaignService).Cancel),
		actionCmd("recount", "Rebuild campaign counters from recipient rows", (*service.CampaignService).Recount),
		progressCmd(),
		recoverCmd(),
	)
	return root
}

// withApp loads configuration and runs fn against a fully wired App.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireTenant() error {
	if tenantID == "" {
		return fmt.Errorf("--tenant is required")
	}
	return nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid campaign id %q", arg)
	}
	return id, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.DB == nil {
					return fmt.Errorf("migrate needs STORE_DRIVER=postgres")
				}
				return db.Migrate(ctx, a.DB, a.Log)
			})
		},
	}
}

func createCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign from a JSON definition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireTenant(); err != nil {
				return err
			}
			def, err := readDefinition(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Service.CreateCampaign(ctx, tenantID, def)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "definition file, - for stdin")
	return cmd
}

func readDefinition(stdin io.Reader, file string) (model.Definition, error) {
	var def model.Definition
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return def, err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("decode definition: %w", err)
	}
	return def, nil
}

type campaignAction func(s *service.CampaignService, ctx context.Context, tenantID string, id int64) (*model.Campaign, error)

func actionCmd(name, short string, fn campaignAction) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <campaign-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTenant(); err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := fn(a.Service, ctx, tenantID, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <campaign-id>",
		Short: "Show delivery progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTenant(); err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Service.GetProgress(ctx, tenantID, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Release expired claims and re-publish jobs for runnable campaigns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Service.Recover(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-published %d campaign(s)\n", n)
				return nil
			})
		},
	}
}
