package main

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/catdog-vision/catdog/internal/config"
	"github.com/catdog-vision/catdog/internal/dashboard"
	"github.com/catdog-vision/catdog/internal/handlers"
	"github.com/catdog-vision/catdog/internal/logging"
	"github.com/catdog-vision/catdog/internal/server"
	"github.com/catdog-vision/catdog/internal/service"
	"github.com/catdog-vision/catdog/internal/store"
)

// cli carries what PersistentPreRunE prepares for the subcommands.
type cli struct {
	configFile string
	settings   *config.Settings
	logger     zerolog.Logger
}

func rootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "catdog",
		Short:         "Cat/dog image classifier API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(c.configFile)
			if err != nil {
				return err
			}
			c.settings = settings
			c.logger = logging.Init(settings.Log, settings.Environment)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (default: ./config.yaml)")

	serve := c.serveCommand()
	root.AddCommand(serve, c.migrateCommand(), c.statsCommand(), c.predictCommand())
	root.RunE = serve.RunE

	return root
}

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.settings, c.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					c.logger.Error().Err(err).Msg("shutdown cleanup failed")
				}
			}()

			h := handlers.NewHandler(handlers.Config{
				Service:   a.service,
				Dashboard: dashboard.New(a.store, c.settings.Dashboard.CacheTTL, c.logger),
				Model:     a.predictor,
				Database:  a.store,
				Version:   c.settings.API.Version,
				Logger:    c.logger,
			})

			info := a.predictor.Info()
			c.logger.Info().
				Str("model", info.Path).
				Str("backend", info.Backend).
				Bool("loaded", info.Loaded).
				Strs("classes", info.Classes).
				Msg("model configured")

			return server.New(c.settings, h, a.registry, c.logger).Run(ctx)
		},
	}
}

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the predictions table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbSettings := c.settings.Database
			dbSettings.AutoMigrate = false

			st, err := store.Open(cmd.Context(), dbSettings, c.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			c.logger.Info().Str("table", st.Table()).Msg("migration complete")
			return nil
		},
	}
}

type statsReport struct {
	Statistics   store.Statistics      `json:"statistics"`
	Inference    store.InferenceKPI    `json:"kpi_inference"`
	Satisfaction store.SatisfactionKPI `json:"kpi_satisfaction"`
}

func (c *cli) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print prediction statistics and KPIs as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := store.Open(ctx, c.settings.Database, c.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			var report statsReport
			if report.Statistics, err = st.Statistics(ctx); err != nil {
				return err
			}
			if report.Inference, err = st.InferenceKPI(ctx); err != nil {
				return err
			}
			if report.Satisfaction, err = st.SatisfactionKPI(ctx); err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func (c *cli) predictCommand() *cobra.Command {
	var consent bool

	cmd := &cobra.Command{
		Use:   "predict <image>",
		Short: "Classify one image file and record the prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			a, err := newApp(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, err := a.service.Submit(cmd.Context(), service.Upload{
				Data:        data,
				ContentType: detectContentType(args[0], data),
				Filename:    filepath.Base(args[0]),
				Consent:     consent,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, outcome)
		},
	}
	cmd.Flags().BoolVar(&consent, "consent", false, "store the filename and allow feedback on this prediction")
	return cmd
}

func init() {
	// Not in the builtin mime table, but decoded by the preprocessor.
	for _, ext := range []string{".tif", ".tiff"} {
		_ = mime.AddExtensionType(ext, "image/tiff")
	}
}

// detectContentType sniffs data and falls back to the file extension for
// formats the sniffer does not know, such as TIFF.
func detectContentType(path string, data []byte) string {
	sniffed := http.DetectContentType(data)
	if sniffed != "application/octet-stream" {
		return sniffed
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	return sniffed
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
