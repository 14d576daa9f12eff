package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Manage downloaded regions",
}

var regionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloaded regions",
	RunE:  runRegionsList,
}

var regionsDeleteCmd = &cobra.Command{
	Use:   "delete <region-id>",
	Short: "Delete a region and its downloaded data",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegionsDelete,
}

var regionsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export region manifests as YAML",
	RunE:  runRegionsExport,
}

func init() {
	regionsExportCmd.Flags().StringP("out", "o", "", "Output file (default stdout)")
	regionsCmd.AddCommand(regionsListCmd, regionsDeleteCmd, regionsExportCmd)
	rootCmd.AddCommand(regionsCmd)
}

func runRegionsList(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	regions, err := st.ListRegions(ctx)
	if err != nil {
		return err
	}
	if len(regions) == 0 {
		fmt.Println("no regions downloaded")
		return nil
	}

	fmt.Printf("%-36s  %-5s  %-24s  %10s  %s\n", "ID", "KIND", "NAME", "ENTITIES", "COMPLETED")
	for _, r := range regions {
		name := r.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Printf("%-36s  %-5s  %-24s  %10d  %s\n",
			r.ID, r.Kind, name, r.EntityCount, r.CompletedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runRegionsDelete(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	stats, err := st.DeleteRegion(ctx, strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d entities and %d tiles\n", stats.Entities, stats.Tiles)
	return nil
}

func runRegionsExport(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	regions, err := st.ListRegions(ctx)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(regions)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		fmt.Print(string(data))
		return nil
	}
	return os.WriteFile(out, data, 0o644)
}
