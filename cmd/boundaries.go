package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/geostash/geostash/internal/boundary"
)

var boundariesCmd = &cobra.Command{
	Use:   "boundaries",
	Short: "Manage administrative area boundaries",
}

var boundariesImportCmd = &cobra.Command{
	Use:   "import <shapefile>",
	Short: "Import area boundaries from a shapefile",
	Long:  "Loads named areas from a .shp file so downloads can target them with --area. Re-importing updates existing areas in place.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBoundariesImport,
}

func init() {
	boundariesImportCmd.Flags().String("name-field", "", "attribute field holding the area name (default from config)")
	boundariesImportCmd.Flags().String("level-field", "", "attribute field holding the admin level (default from config)")
	boundariesCmd.AddCommand(boundariesImportCmd)
	rootCmd.AddCommand(boundariesCmd)
}

func runBoundariesImport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nameField, _ := cmd.Flags().GetString("name-field")
	if nameField == "" {
		nameField = cfg.Boundary.NameField
	}
	levelField, _ := cmd.Flags().GetString("level-field")
	if levelField == "" {
		levelField = cfg.Boundary.LevelField
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	n, err := boundary.ImportShapefile(ctx, st, args[0], nameField, levelField)
	if err != nil {
		return err
	}

	fmt.Printf("imported %d areas from %s\n", n, args[0])
	return nil
}
