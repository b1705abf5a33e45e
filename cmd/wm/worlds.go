package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worldline/internal/domain"
	"worldline/internal/engine"
	"worldline/internal/lifecycle"
	"worldline/internal/repo"
	"worldline/internal/transfer"
)

func listCmd() *cobra.Command {
	var category, status string
	var tags []string
	var templates bool
	cmd := &cobra.Command{
		Use:   "list [environment]",
		Short: "List worlds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.WorldFilter{Tags: tags}
				if len(args) == 1 {
					env, err := domain.ParseEnvironment(args[0])
					if err != nil {
						return err
					}
					f.Environment = env
				}
				if category != "" {
					c, err := domain.ParseCategory(category)
					if err != nil {
						return err
					}
					f.Category = c
				}
				switch status {
				case "active":
					f.IsActive = boolPtr(true)
				case "inactive":
					f.IsActive = boolPtr(false)
				case "all", "":
				default:
					return domain.Invalidf("status must be active, inactive or all")
				}
				if templates {
					f.IsTemplate = boolPtr(true)
				}
				worlds, err := e.ListWorlds(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(worlds)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Env", "Name", "Category", "Active", "Uses", "Last used", "Tags"})
				for _, w := range worlds {
					tw.AppendRow(table.Row{w.ID, w.Environment, w.Name, w.Category, w.IsActive, w.UsageCount, lastUsed(w), strings.Join(w.Tags, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag filter (all must match)")
	cmd.Flags().StringVar(&status, "status", "all", "active, inactive or all")
	cmd.Flags().BoolVar(&templates, "templates", false, "templates only")
	return cmd
}

func createCmd() *cobra.Command {
	var id, name, description, env, category string
	var tags, deps []string
	var autoCleanup, template bool
	var cleanupAfter int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a world",
		Long:  "Create a world. Without --name the command prompts for the id, name, description and category.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				in := bufio.NewReader(cmd.InOrStdin())
				out := cmd.OutOrStdout()
				var err error
				if id, err = prompt(in, out, "World id (empty for generated)", id); err != nil {
					return err
				}
				if name, err = prompt(in, out, "Name", ""); err != nil {
					return err
				}
				if description, err = prompt(in, out, "Description", description); err != nil {
					return err
				}
				if category, err = prompt(in, out, "Category", string(domain.CategoryGeneral)); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := e.Environment(env)
				if err != nil {
					return err
				}
				var cat domain.Category
				if category != "" {
					if cat, err = domain.ParseCategory(category); err != nil {
						return err
					}
				}
				w, err := e.CreateWorld(ctx, engine.CreateOptions{
					ID:                id,
					Name:              name,
					Description:       description,
					Environment:       scope,
					Category:          cat,
					Tags:              tags,
					Dependencies:      deps,
					AutoCleanup:       autoCleanup,
					CleanupAfterHours: cleanupAfter,
					IsTemplate:        template,
					ActorID:           actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Created %s (%s)\n", w.Key(), w.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "world id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&env, "in", "", "environment (defaults to --env or config)")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "id of a world this one requires (repeatable)")
	cmd.Flags().BoolVar(&autoCleanup, "auto-cleanup", false, "deactivate after the TTL")
	cmd.Flags().IntVar(&cleanupAfter, "cleanup-after-hours", 0, "TTL in hours")
	cmd.Flags().BoolVar(&template, "template", false, "mark as template")
	return cmd
}

func showCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a world",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := e.Environment(env)
				if err != nil {
					return err
				}
				w, err := e.GetWorld(ctx, args[0], scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", w.ID},
					{"Environment", w.Environment},
					{"Name", w.Name},
					{"Description", w.Description},
					{"Category", w.Category},
					{"Tags", strings.Join(w.Tags, ",")},
					{"Dependencies", strings.Join(w.Dependencies, ",")},
					{"Auto cleanup", fmt.Sprintf("%t (%dh)", w.Settings.AutoCleanup, w.Settings.CleanupAfterHours)},
					{"Active", w.IsActive},
					{"Template", w.IsTemplate},
					{"Users / artifacts / chats", fmt.Sprintf("%d / %d / %d", len(w.Users), len(w.Artifacts), len(w.Chats))},
					{"Blobs", len(w.BlobIDs())},
					{"Uses", w.UsageCount},
					{"Last used", lastUsed(w)},
				})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "in", "", "environment")
	return cmd
}

func updateCmd() *cobra.Command {
	var env, name, description, category string
	var tags, deps []string
	var autoCleanup, active, template bool
	var cleanupAfter int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update world metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := e.Environment(env)
				if err != nil {
					return err
				}
				flags := cmd.Flags()
				var patch repo.WorldPatch
				if flags.Changed("name") {
					patch.Name = &name
				}
				if flags.Changed("description") {
					patch.Description = &description
				}
				if flags.Changed("category") {
					c, err := domain.ParseCategory(category)
					if err != nil {
						return err
					}
					patch.Category = &c
				}
				if flags.Changed("tag") {
					patch.Tags = &tags
				}
				if flags.Changed("depends-on") {
					patch.Dependencies = &deps
				}
				if flags.Changed("active") {
					patch.IsActive = &active
				}
				if flags.Changed("template") {
					patch.IsTemplate = &template
				}
				if flags.Changed("auto-cleanup") || flags.Changed("cleanup-after-hours") {
					current, err := e.GetWorld(ctx, args[0], scope)
					if err != nil {
						return err
					}
					settings := current.Settings
					if flags.Changed("auto-cleanup") {
						settings.AutoCleanup = autoCleanup
					}
					if flags.Changed("cleanup-after-hours") {
						settings.CleanupAfterHours = cleanupAfter
					}
					patch.Settings = &settings
				}
				w, err := e.UpdateWorld(ctx, args[0], scope, patch, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Updated %s\n", w.Key())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "in", "", "environment")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "replace dependencies")
	cmd.Flags().BoolVar(&autoCleanup, "auto-cleanup", false, "deactivate after the TTL")
	cmd.Flags().IntVar(&cleanupAfter, "cleanup-after-hours", 0, "TTL in hours")
	cmd.Flags().BoolVar(&active, "active", true, "reactivate or deactivate")
	cmd.Flags().BoolVar(&template, "template", false, "mark as template")
	return cmd
}

func useCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Record a use of a world",
		Long:  "Increments the usage count and refreshes lastUsedAt, which restarts the cleanup clock.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := e.Environment(env)
				if err != nil {
					return err
				}
				w, err := e.UseWorld(ctx, args[0], scope, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s used %d time(s)\n", w.Key(), w.UsageCount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "in", "", "environment")
	return cmd
}

func purgeCmd() *cobra.Command {
	var env string
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <id>",
		Short: "Delete a world permanently",
		Long:  "Deletes the world record. Refused while an active world in the same environment depends on it. Blobs are left for cleanup-orphaned-blobs.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := e.Environment(env)
				if err != nil {
					return err
				}
				if !yes {
					ok, err := confirm(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout(), fmt.Sprintf("Purge %s@%s?", args[0], scope))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Println("aborted")
						return nil
					}
				}
				if err := e.PurgeWorld(ctx, args[0], scope, actorID()); err != nil {
					return err
				}
				fmt.Printf("Purged %s@%s\n", args[0], scope)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "in", "", "environment")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cleanup [environment]",
		Short: "Deactivate worlds idle past their TTL",
		Long: `Lists auto-cleanup worlds whose last use (or creation, if never used) is older than
their TTL, then deactivates them after confirmation. Worlds still required by an active
world are reported as blocked and left alone.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var scope domain.Environment
				if len(args) == 1 {
					var err error
					if scope, err = domain.ParseEnvironment(args[0]); err != nil {
						return err
					}
				}
				plan, report, err := planAndApply(ctx, e, scope, yes, cmd.InOrStdin(), cmd.OutOrStdout(), showCleanupPlan)
				var partial *domain.PartialError
				if err != nil && !errors.As(err, &partial) {
					return err
				}
				if report == nil {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"plan": plan})
					}
					if len(plan.Candidates) == 0 {
						fmt.Println("nothing to clean up")
					}
					return nil
				}
				if viper.GetBool("json") {
					if perr := printJSON(map[string]any{"plan": plan, "report": report}); perr != nil {
						return perr
					}
					return err
				}
				fmt.Printf("Deactivated %d world(s)", len(report.Deactivated))
				if len(report.Blocked) > 0 {
					fmt.Printf(", %d blocked", len(report.Blocked))
				}
				fmt.Println()
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

// planAndApply plans, hands the plan to show, asks for confirmation unless yes and then
// deactivates the candidates of that same plan. A nil report means nothing was applied.
func planAndApply(ctx context.Context, e engine.Engine, scope domain.Environment, yes bool, in io.Reader, out io.Writer, show func(lifecycle.Plan)) (lifecycle.Plan, *lifecycle.Report, error) {
	plan, err := e.PlanCleanup(ctx, scope)
	if err != nil {
		return plan, nil, err
	}
	show(plan)
	if len(plan.Candidates) == 0 {
		return plan, nil, nil
	}
	if !yes {
		ok, err := confirm(bufio.NewReader(in), out, fmt.Sprintf("Deactivate %d world(s)?", len(plan.Candidates)))
		if err != nil {
			return plan, nil, err
		}
		if !ok {
			fmt.Fprintln(out, "aborted")
			return plan, nil, nil
		}
	}
	rep, err := e.ApplyCleanup(ctx, plan, actorID())
	return plan, &rep, err
}

func showCleanupPlan(plan lifecycle.Plan) {
	if viper.GetBool("json") {
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"World", "Since", "TTL (h)", "Idle", "Status"})
	for _, c := range plan.Candidates {
		tw.AppendRow(table.Row{domain.Key{ID: c.ID, Environment: c.Environment}, c.Since, c.TTLHours, c.Idle, "expired"})
	}
	for _, b := range plan.Blocked {
		tw.AppendRow(table.Row{domain.Key{ID: b.ID, Environment: b.Environment}, b.Since, b.TTLHours, b.Idle, "blocked by " + strings.Join(b.Dependents, ",")})
	}
	tw.Render()
}

func seedCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "seed <worldId>",
		Short: "Populate a world with sample users, artifacts and chats",
		Long:  "Adds deterministic sample data and its blobs. Running it again adds nothing new.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := e.Environment(env)
				if err != nil {
					return err
				}
				w, err := e.SeedWorld(ctx, args[0], scope, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Seeded %s: %d users, %d artifacts, %d chats\n", w.Key(), len(w.Users), len(w.Artifacts), len(w.Chats))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "in", "", "environment")
	return cmd
}

func copyCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "copy <worldId> <fromEnv> <toEnv>",
		Short: "Copy a world to another environment",
		Long:  "Copies the world to <toEnv> as <worldId>_<TOENV>. An existing copy is a conflict; purge it first. Usage counters start over.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := domain.ParseEnvironment(args[1])
			if err != nil {
				return err
			}
			to, err := domain.ParseEnvironment(args[2])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				desc, err := e.Copy(ctx, transfer.Request{WorldID: args[0], Source: from, Target: to, DryRun: dryRun, ActorID: actorID()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(desc)
				}
				verb := "Created"
				if desc.DryRun {
					verb = "Would create"
				}
				fmt.Printf("%s %s from %s\n", verb, desc.Target, desc.Source)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the target without writing")
	return cmd
}

func cleanupOrphanedBlobsCmd() *cobra.Command {
	var env string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup-orphaned-blobs",
		Short: "Delete stored blobs no world references",
		Long: `Compares the blob store with the blob references of every world. Orphaned blobs
are deleted; blobs referenced but absent from the store are reported as missing.
--in narrows the missing report to one environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var scope domain.Environment
				if env != "" {
					var err error
					if scope, err = domain.ParseEnvironment(env); err != nil {
						return err
					}
				}
				if dryRun {
					report, err := e.DetectOrphans(ctx, scope)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(report)
					}
					printBlobList("Orphaned", report.Orphaned)
					printBlobList("Recent (kept)", report.Recent)
					printBlobList("Missing", report.Missing)
					return nil
				}
				report, cleaned, err := e.CleanupOrphans(ctx, scope)
				var partial *domain.PartialError
				if err != nil && !errors.As(err, &partial) {
					return err
				}
				if viper.GetBool("json") {
					if perr := printJSON(map[string]any{"audit": report, "cleanup": cleaned}); perr != nil {
						return perr
					}
					return err
				}
				printBlobList("Deleted", cleaned.Deleted)
				printBlobList("Missing", report.Missing)
				for _, f := range cleaned.Failed {
					fmt.Printf("failed %s: %s\n", f.ID, f.Reason)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&env, "in", "", "environment scope for the missing report")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	return cmd
}

func printBlobList(label string, ids []string) {
	fmt.Printf("%s: %d\n", label, len(ids))
	for _, id := range ids {
		fmt.Println("  " + id)
	}
}

func boolPtr(b bool) *bool { return &b }
