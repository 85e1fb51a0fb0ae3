package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paychat/internal/app"
	"paychat/internal/config"
	"paychat/internal/controller"
	"paychat/internal/db"
	"paychat/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "paychat",
	Short: "Paychat CLI",
	Long: `Paychat runs payroll calculations through a conversation.
You pick a task, upload its input files, review a summary, and confirm.
State lives in the .paychat workspace directory; tasks are declared in paychat.yml.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAYCHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func chatCmd() *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the payroll assistant",
		Long: `Interactive session. Type messages; upload a file with '/file <path>'.
'/quit' ends the session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sessionID := resume
				if sessionID == "" {
					sess, turn, err := a.Controller.NewSession(ctx)
					if err != nil {
						return err
					}
					sessionID = sess.ID
					fmt.Printf("session %s\n", sessionID)
					printTurn(turn)
				} else {
					fmt.Printf("resuming session %s\n", sessionID)
				}

				scanner := bufio.NewScanner(os.Stdin)
				for {
					fmt.Print("> ")
					if !scanner.Scan() {
						return scanner.Err()
					}
					line := strings.TrimSpace(scanner.Text())
					if line == "/quit" {
						return nil
					}
					var (
						turn controller.Turn
						err  error
					)
					if path, ok := strings.CutPrefix(line, "/file "); ok {
						path = strings.TrimSpace(path)
						content, readErr := os.ReadFile(path)
						if readErr != nil {
							fmt.Println("error:", readErr)
							continue
						}
						turn, err = a.Controller.HandleFile(ctx, sessionID, filepath.Base(path), content)
					} else {
						turn, err = a.Controller.HandleText(ctx, sessionID, line)
					}
					if err != nil {
						fmt.Println("error:", err)
						continue
					}
					printTurn(turn)
				}
			})
		},
	}
	cmd.Flags().StringVar(&resume, "session", "", "resume an existing session id")
	return cmd
}

func printTurn(t controller.Turn) {
	for _, m := range t.Messages {
		fmt.Println(m.Text)
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect configured tasks"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks := a.Catalog.List()
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Required files"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.DisplayName, strings.Join(t.RequiredFileTypes(), ", ")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage sessions"}
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionDeleteCmd())
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Controller.Repo.ListSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Task", "Last activity"})
				for _, s := range items {
					task := ""
					if s.ActiveTaskID != nil {
						task = *s.ActiveTaskID
					}
					tw.AppendRow(table.Row{s.ID, s.State, task, s.LastActivityAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its uploads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Controller.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				files, err := a.Controller.Repo.ListUploadedFiles(ctx, s.ID)
				if err != nil {
					return err
				}
				runs, err := a.Controller.Repo.ListCalculationRuns(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "files": files, "runs": runs})
				}
				fmt.Printf("session %s  state=%s\n", s.ID, s.State)
				if s.ActiveTaskID != nil {
					fmt.Printf("active task: %s\n", *s.ActiveTaskID)
				}
				if len(files) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"File", "Records", "Month", "Warnings"})
					for _, f := range files {
						tw.AppendRow(table.Row{f.FileType, f.Summary.RecordCount, f.Summary.TargetYearMonth, len(f.Summary.Warnings)})
					}
					tw.Render()
				}
				if len(runs) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Run", "Task", "Rows", "Output"})
					for _, r := range runs {
						tw.AppendRow(table.Row{r.ID, r.TaskID, r.RowCount, r.OutputPath})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Controller.Repo.DeleteSession(ctx, args[0])
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default paychat.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Controller.Repo.LatestEvents(ctx, n, evtType, sessionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Session", "Entity"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.SessionID, e.EntityKind + "/" + e.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret: os.Getenv("PAYCHAT_JWT_SECRET"),
					Logger:    log.Default(),
				}
				handler, err := server.New(server.Config{
					Controller: a.Controller,
					BasePath:   basePath,
					Auth:       authCfg,
				})
				if err != nil {
					return err
				}

				// Idle sessions expire in the background while serving.
				sweep := time.NewTicker(time.Minute)
				defer sweep.Stop()
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case <-sweep.C:
							if n, err := a.Controller.ExpireIdle(ctx); err == nil && n > 0 {
								fmt.Printf("expired %d idle session(s)\n", n)
							}
						}
					}
				}()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Paychat API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: workspace,
		OpenAIKey: os.Getenv("OPENAI_API_KEY"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
