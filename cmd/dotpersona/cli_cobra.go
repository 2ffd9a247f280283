package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotpersona/pkg/agent"
)

func executeCLI() error {
	root := buildRootCommand(true)
	return root.Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "dotpersona",
		Short: "Local-first multi-persona conversational agent",
		Long: strings.TrimSpace(`dotpersona runs a set of independent conversational personas that share
what they learn about you, with bounded model retries, per-persona queues,
and checkpointed local state.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newPersonaCommand())
	root.AddCommand(newCheckpointCommand())
	root.AddCommand(newSyncCommand())
	root.AddCommand(newModelsCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}
	return root
}

// withAgent opens and starts the agent, runs fn, then shuts down. When
// persist is set the shutdown writes a final checkpoint.
func withAgent(debug, persist bool, fn func(ctx context.Context, a *agent.Agent) error) error {
	rt, err := openRuntime(debug)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	if err := rt.agent.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, rt.agent)
	if !persist {
		rt.agent.ForceQuit()
		return runErr
	}
	quitCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := rt.agent.Quit(quitCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printResult(cmd *cobra.Command, res agent.CommandResult) {
	prefix := ""
	if res.Info {
		prefix = "(no change) "
	}
	fmt.Fprintln(cmd.OutOrStdout(), prefix+res.Message)
}

func newOnboardCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.dotpersona config and data directory",
		Example: "  dotpersona onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		message string
		persona string
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to your personas in an interactive session",
		Long:  "Start the interactive session, or send one message with --message and print the reply.",
		Example: strings.Join([]string{
			"  dotpersona chat",
			"  dotpersona chat --persona gandalf",
			"  dotpersona chat --message \"how was your day?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(persona, message, debug)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to the active persona")
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "Persona name or alias to talk to")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newPersonaCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "persona",
		Short: "Manage personas",
		Long:  "Create, list, pause, archive and delete personas without opening a chat session.",
	}

	var all bool
	list := &cobra.Command{
		Use:     "list",
		Short:   "List personas",
		Example: "  dotpersona persona list --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(false, false, func(_ context.Context, a *agent.Agent) error {
				out := cmd.OutOrStdout()
				for _, p := range a.ListPersonas(all) {
					marker := " "
					if p.ID == a.ActivePersonaID() {
						marker = "*"
					}
					aliases := ""
					if len(p.Aliases) > 0 {
						aliases = " (" + strings.Join(p.Aliases, ", ") + ")"
					}
					fmt.Fprintf(out, "%s %s%s [%s] %s\n", marker, p.DisplayName, aliases, p.State, p.ShortDescription)
				}
				return nil
			})
		},
	}
	list.Flags().BoolVarP(&all, "all", "a", false, "Include archived personas")
	root.AddCommand(list)

	var description string
	create := &cobra.Command{
		Use:     "create <name>",
		Short:   "Create a persona; its personality is generated on the next chat",
		Args:    cobra.ExactArgs(1),
		Example: "  dotpersona persona create Gandalf --description \"a wandering wizard\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(false, true, func(_ context.Context, a *agent.Agent) error {
				res, err := a.CreatePersona(args[0], description)
				if err != nil {
					return err
				}
				printResult(cmd, res)
				return nil
			})
		},
	}
	create.Flags().StringVar(&description, "description", "", "Seed description for generation")
	root.AddCommand(create)

	lifecycle := func(use, short string, fn func(a *agent.Agent, ref string) (agent.CommandResult, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <persona>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAgent(false, true, func(_ context.Context, a *agent.Agent) error {
					res, err := fn(a, args[0])
					if err != nil {
						return err
					}
					printResult(cmd, res)
					return nil
				})
			},
		}
	}

	var pauseFor time.Duration
	pause := lifecycle("pause", "Pause a persona's replies", func(a *agent.Agent, ref string) (agent.CommandResult, error) {
		return a.PausePersona(ref, pauseFor)
	})
	pause.Flags().DurationVar(&pauseFor, "for", 0, "Resume automatically after this long")
	root.AddCommand(pause)
	root.AddCommand(lifecycle("resume", "Resume a paused persona", (*agent.Agent).ResumePersona))
	root.AddCommand(lifecycle("archive", "Archive a persona", (*agent.Agent).ArchivePersona))
	root.AddCommand(lifecycle("unarchive", "Restore an archived persona", (*agent.Agent).UnarchivePersona))

	var cascade bool
	del := lifecycle("delete", "Delete an archived persona", func(a *agent.Agent, ref string) (agent.CommandResult, error) {
		return a.DeletePersona(ref, cascade)
	})
	del.Flags().BoolVar(&cascade, "cascade", false, "Also forget what this persona learned about you")
	root.AddCommand(del)
	return root
}

func newCheckpointCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and restore saved state",
	}
	root.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List checkpoints, newest first",
		Example: "  dotpersona checkpoint list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(false, false, func(ctx context.Context, a *agent.Agent) error {
				metas, err := a.Checkpoints().List(ctx)
				if err != nil {
					return err
				}
				for _, m := range metas {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  v%d  %d bytes\n", m.ID, m.Timestamp.Local().Format(time.RFC3339), m.Version, m.Size)
				}
				return nil
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Write a checkpoint now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(false, false, func(ctx context.Context, a *agent.Agent) error {
				meta, err := a.SaveCheckpoint(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved checkpoint %s\n", meta.ID)
				return nil
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:     "restore <id>",
		Short:   "Make a stored checkpoint the live state",
		Args:    cobra.ExactArgs(1),
		Example: "  dotpersona checkpoint restore 01J9Z6V6Q3R8M2K4T5W7X9Y0AB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(false, true, func(ctx context.Context, a *agent.Agent) error {
				res, err := a.RestoreCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				printResult(cmd, res)
				return nil
			})
		},
	})
	return root
}

func newSyncCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "sync",
		Short: "Move encrypted state to and from the configured remote",
		Long:  "Requires sync.remote, sync.username and DOTPERSONA_SYNC_PASSPHRASE.",
	}
	root.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Save locally and upload an encrypted checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(false, false, func(ctx context.Context, a *agent.Agent) error {
				res, err := a.SyncPush(ctx)
				if res.Message != "" {
					printResult(cmd, res)
				}
				return err
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "pull",
		Short: "Download the remote checkpoint and make it the live state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(false, true, func(ctx context.Context, a *agent.Agent) error {
				res, err := a.SyncPull(ctx)
				if err != nil {
					return err
				}
				printResult(cmd, res)
				return nil
			})
		},
	})
	return root
}

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List model providers and credential state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printModels(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, provider, and storage readiness",
		Example: "  dotpersona status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotpersona version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
