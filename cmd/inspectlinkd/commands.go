package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inspectlink/inspectlink/internal/app"
	"github.com/inspectlink/inspectlink/internal/config"
	"github.com/inspectlink/inspectlink/internal/connectors"
	"github.com/inspectlink/inspectlink/internal/domain"
	"github.com/inspectlink/inspectlink/internal/persistence"
	"github.com/inspectlink/inspectlink/internal/transport"
)

type globalFlags struct {
	configFile string
	dbFile     string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   app.DaemonName,
		Short: "Reference inspector for the inspectlink SDK",
		Long: `inspectlinkd accepts SDK connections on a local socket or serial line,
validates their handshake, and stores the diagnostic records they stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "configuration file (default: user config dir)")
	root.PersistentFlags().StringVar(&flags.dbFile, "db", "", "record database (default: user config dir)")

	root.AddCommand(
		newServeCommand(&flags),
		newSessionsCommand(&flags),
		newRecordsCommand(&flags),
		newPruneCommand(&flags),
		newPortsCommand(transport.ListSerialPorts),
		newVersionCommand(),
	)

	return root
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var (
		serialPort string
		serialBaud int
		follow     bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept SDK connections and store their records",
		Example: `  # Listen on the configured socket
  inspectlinkd serve

  # Serve one SDK over a pty and print records as they arrive
  inspectlinkd serve --serial /dev/pts/3 --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := app.Initialize(cmd.Context(), app.Options{
				ConfigFile: flags.configFile,
				DBFile:     flags.dbFile,
				LogOutput:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			if logLevel != "" {
				if err := rt.LogManager.SetLevel(logLevel); err != nil {
					return err
				}
			}

			if follow {
				p := newPrinter(cmd.OutOrStdout())
				p.sessions(rt.Sessions.SnapshotSorted(), 5)
				followRecords(rt.Ctx, rt.Bus.Subscribe(connectors.TopicRecordIn), p)
			}

			if serialPort != "" {
				return rt.ServeSerial(serialPort, serialBaud)
			}
			ln, err := rt.Listen()
			if err != nil {
				return err
			}

			return rt.Serve(ln)
		},
	}
	cmd.Flags().StringVar(&serialPort, "serial", "", "serve a single SDK over this serial port or pty")
	cmd.Flags().IntVar(&serialBaud, "baud", config.DefaultSerialBaud, "serial baud rate")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print received records")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	return cmd
}

func followRecords(ctx context.Context, sub <-chan any, p *printer) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				if received, ok := raw.(domain.ReceivedRecord); ok {
					p.record(received.Record)
				}
			}
		}
	}()
}

func openStore(ctx context.Context, flags *globalFlags) (*app.Store, error) {
	path := flags.dbFile
	if path == "" {
		paths, err := app.ResolvePaths()
		if err != nil {
			return nil, err
		}
		path = paths.DBFile
	}

	return app.OpenStore(ctx, path)
}

func newSessionsCommand(flags *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent logging sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sessions, err := store.Sessions.ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SESSION\tDEVICE\tRECORDS\tFIRST SEEN\tLAST SEEN")
			for _, s := range sessions {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					s.ID, shortDevice(s.DeviceID), s.RecordCount,
					s.FirstSeenAt.Format(time.DateTime), s.LastSeenAt.Format(time.DateTime))
			}

			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", app.RecentSessions, "maximum sessions to list")

	return cmd
}

func newRecordsCommand(flags *globalFlags) *cobra.Command {
	var (
		limit   int
		asJSON  bool
		noColor bool
	)

	cmd := &cobra.Command{
		Use:   "records SESSION_ID",
		Short: "Print the records of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			records, err := store.Records.ListBySession(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("no records for session %s", args[0])
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, rec := range records {
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
				return nil
			}

			p := newPrinter(cmd.OutOrStdout())
			if noColor {
				p.disableColor()
			}
			for _, rec := range records {
				p.record(rec)
			}

			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", app.RecentRecordsLoad, "print at most the last N records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per record")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	return cmd
}

func newPruneCommand(flags *globalFlags) *cobra.Command {
	var (
		olderThan time.Duration
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !all && olderThan <= 0 {
				return errors.New("set --older-than or --all")
			}
			store, err := openStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if all {
				if err := persistence.ClearDatabase(cmd.Context(), store.DB); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "all sessions deleted")
				return nil
			}

			n, err := persistence.PruneSessions(cmd.Context(), store.DB, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d sessions deleted\n", n)

			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete sessions not seen for this long, e.g. 72h")
	cmd.Flags().BoolVar(&all, "all", false, "delete every stored session")

	return cmd
}

func newPortsCommand(list func() ([]string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports usable with serve --serial",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := list()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
				return nil
			}
			for _, port := range ports {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), port)
			}

			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build and protocol version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), app.VersionLine(app.DaemonName))
		},
	}
}

func shortDevice(id string) string {
	if len(id) <= 12 {
		return id
	}

	return id[:12]
}
