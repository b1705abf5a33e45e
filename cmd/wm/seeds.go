package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worldline/internal/domain"
	"worldline/internal/engine"
	"worldline/internal/seed"
)

func exportSeedCmd() *cobra.Command {
	var includeBlobs bool
	var outputPath string
	cmd := &cobra.Command{
		Use:   "export-seed <worldId> [environment]",
		Short: "Export a world as a seed bundle",
		Long: `Writes <bundle>/seed.json and, with --include-blobs, every referenced blob under
<bundle>/blobs. The bundle defaults to <seeds-dir>/<worldId>_<ENV>_<YYYYMMDD>.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := ""
				if len(args) == 2 {
					raw = args[1]
				}
				scope, err := e.Environment(raw)
				if err != nil {
					return err
				}
				res, err := e.ExportSeed(ctx, args[0], seed.ExportOptions{Environment: scope, IncludeBlobs: includeBlobs, OutputPath: outputPath})
				var partial *domain.PartialError
				if err != nil && !errors.As(err, &partial) {
					return err
				}
				if viper.GetBool("json") {
					if perr := printJSON(res); perr != nil {
						return perr
					}
					return err
				}
				fmt.Printf("Exported %s@%s to %s (%d blob(s))\n", args[0], scope, res.Path, len(res.Blobs))
				for _, f := range res.Failed {
					fmt.Printf("failed blob %s: %s\n", f.ID, f.Reason)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&includeBlobs, "include-blobs", false, "copy referenced blobs into the bundle")
	cmd.Flags().StringVarP(&outputPath, "output-path", "o", "", "bundle directory")
	return cmd
}

func analyzeSeedCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "analyze-seed <seedPath>",
		Short: "Preview collisions between a bundle and the target environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := e.Environment(env)
				if err != nil {
					return err
				}
				report, err := e.AnalyzeSeed(ctx, args[0], scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printConflictReport(report)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "in", "", "target environment")
	return cmd
}

func printConflictReport(r domain.ConflictReport) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Domain", "Conflicts"})
	tw.AppendRows([]table.Row{
		{"world", fmt.Sprintf("%s@%s exists: %t", r.WorldID, r.TargetEnvironment, r.WorldExists)},
		{"users", strings.Join(r.ConflictingUsers, ", ")},
		{"artifacts", strings.Join(r.ConflictingArtifacts, ", ")},
		{"chats", strings.Join(r.ConflictingChats, ", ")},
		{"missing blobs", strings.Join(r.MissingBlobs, ", ")},
	})
	tw.Render()
	if r.Diff != "" {
		fmt.Println(r.Diff)
	}
}

func importSeedCmd() *cobra.Command {
	var env, world, users, artifacts, chats, blobs string
	cmd := &cobra.Command{
		Use:   "import-seed <seedPath>",
		Short: "Import a seed bundle",
		Long: fmt.Sprintf(`Imports a bundle into the target environment. Collisions are resolved per domain:
  --world      replace, merge or skip (default merge)
  --users      replace, merge, skip or rename (default merge)
  --artifacts  replace, merge or skip (default merge)
  --chats      replace, merge or skip (default merge)
  --blobs      replace, merge or skip (default merge)
The result action is one of: %s.`, joinActions()),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := engine.ParseStrategy(world, users, artifacts, chats, blobs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := e.Environment(env)
				if err != nil {
					return err
				}
				res, err := e.ImportSeed(ctx, args[0], seed.ImportOptions{Environment: scope, Strategy: strategy, ActorID: actorID()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s (%d blob(s) uploaded)\n", res.Action, res.World.Key(), len(res.UploadedBlobs))
				for _, from := range domain.SortedKeys(res.RenamedUsers) {
					fmt.Printf("renamed user %s -> %s\n", from, res.RenamedUsers[from])
				}
				for _, w := range res.Warnings {
					fmt.Println("warning:", w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "in", "", "target environment")
	cmd.Flags().StringVar(&world, "world", "", "world resolution")
	cmd.Flags().StringVar(&users, "users", "", "user resolution")
	cmd.Flags().StringVar(&artifacts, "artifacts", "", "artifact resolution")
	cmd.Flags().StringVar(&chats, "chats", "", "chat resolution")
	cmd.Flags().StringVar(&blobs, "blobs", "", "blob resolution")
	return cmd
}

func joinActions() string {
	names := make([]string, 0, len(engine.ImportActions))
	for _, a := range engine.ImportActions {
		names = append(names, string(a))
	}
	return strings.Join(names, ", ")
}

func validateSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-seed <seedPath>",
		Short: "Check a bundle's manifest, world and blob files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ValidateSeed(args[0])
				if viper.GetBool("json") {
					out := map[string]any{"valid": err == nil, "error": errString(err)}
					if err == nil {
						out["manifest"] = b.Manifest
						out["blobs"] = len(b.Blobs)
					}
					if perr := printJSON(out); perr != nil {
						return perr
					}
					return err
				}
				if err != nil {
					return err
				}
				fmt.Printf("valid: %s@%s schema %s, %d blob(s)\n", b.Manifest.WorldID, b.Manifest.SourceEnvironment, b.Manifest.SchemaVersion, len(b.Blobs))
				return nil
			})
		},
	}
}

func listSeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-seeds",
		Short: "List bundles in the seeds directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				seeds := e.ListSeeds()
				if viper.GetBool("json") {
					return printJSON(seeds)
				}
				if len(seeds) == 0 {
					fmt.Println("no seed bundles")
					return nil
				}
				for _, s := range seeds {
					fmt.Println(s)
				}
				return nil
			})
		},
	}
}
