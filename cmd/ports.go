package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/config"
	"github.com/paneld/paneld/internal/db"
	"github.com/paneld/paneld/internal/ports"
)

var (
	portsCfg    = config.DefaultConfig()
	portsStatus bool
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Print the panel port table",
	Long: `Print the persisted panel → port assignments from the port file or PostgreSQL.
With --status, print the last reported state of every panel instead (PostgreSQL only).`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if portsStatus && portsCfg.DatabaseURL == "" {
			fmt.Fprintln(os.Stderr, "--status needs --db-url or DATABASE_URL")
			os.Exit(1)
		}
		var store ports.Store
		if portsCfg.DatabaseURL != "" {
			database, err := db.Open(ctx, portsCfg.DatabaseURL, zap.NewNop())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer database.Close()
			if portsStatus {
				if err := printStatus(ctx, database); err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				return
			}
			store = database.PortStore()
		} else {
			store = ports.NewFileStore(portsCfg.PortsFile())
		}

		alloc, err := ports.NewAllocator(ctx, store, portsCfg.PortMin, portsCfg.PortMax, zap.NewNop())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		table := alloc.Snapshot()
		ids := make([]string, 0, len(table))
		for id := range table {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return table[ids[i]] < table[ids[j]] })

		lo, hi := alloc.Range()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tPANEL")
		for _, id := range ids {
			fmt.Fprintf(w, "%d\t%s\n", table[id], id)
		}
		w.Flush()
		fmt.Printf("\n%d of %d ports assigned (%d-%d)\n", len(ids), hi-lo+1, lo, hi)
	},
}

func printStatus(ctx context.Context, database *db.DB) error {
	rows, err := database.ListStatus(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PANEL\tTIER\tSTATE\tPORT\tUPDATED")
	for _, r := range rows {
		port := "-"
		if r.Port.Valid {
			port = fmt.Sprint(r.Port.Int64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.PanelID, r.Tier, r.State, port, r.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(portsCmd)
	f := portsCmd.Flags()
	f.StringVar(&portsCfg.DataDir, "data-dir", portsCfg.DataDir, "Directory holding ports.json")
	f.StringVar(&portsCfg.DatabaseURL, "db-url", portsCfg.DatabaseURL, "PostgreSQL URL (or DATABASE_URL)")
	f.IntVar(&portsCfg.PortMin, "port-min", portsCfg.PortMin, "Lowest panel port")
	f.IntVar(&portsCfg.PortMax, "port-max", portsCfg.PortMax, "Highest panel port")
	f.BoolVar(&portsStatus, "status", false, "Print reported panel states instead of ports")
}
