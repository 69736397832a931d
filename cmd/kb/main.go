package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kanboard/internal/app"
	"kanboard/internal/config"
	"kanboard/internal/db"
	"kanboard/internal/domain"
	"kanboard/internal/engine"
	"kanboard/internal/logging"
	"kanboard/internal/migrate"
	"kanboard/internal/notify"
	"kanboard/internal/repo"
	"kanboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "kb",
	Short: "Kanban board CLI",
	Long: `kb runs a pull-based kanban board.
- Board: four owners and a list of tasks, stored in the .kanboard workspace.
- Tasks move ToDo -> WiP -> Test -> Done, one step per pull.
- Owners hold at most one WiP task and one Test task at a time, so a board never has more than four of either.
- A pull that finds no free owner is rejected and leaves the board as it was.
- Event log: every change is recorded, view with 'kb log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KANBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("board", "b", "", "board id (overrides the current board)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("redis-addr", "", "redis address for event notifications (overrides config)")
	for _, name := range []string{"workspace", "json", "actor-id", "board", "log-level", "redis-addr"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(ownerCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func boardCmd() *cobra.Command {
	b := &cobra.Command{Use: "board", Short: "Manage boards"}
	b.AddCommand(boardInitCmd())
	b.AddCommand(boardListCmd())
	b.AddCommand(boardShowCmd())
	b.AddCommand(boardUseCmd())
	b.AddCommand(boardDeleteCmd())
	return b
}

func boardInitCmd() *cobra.Command {
	var name string
	var seed int
	var owners []string
	cmd := &cobra.Command{
		Use:   "init <board-id>",
		Short: "Create a board with four owners and seed tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			workspace := viper.GetString("workspace")
			cfg, err := app.SeedConfig(workspace, id)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("owner") {
				cfg.Board.Owners = owners
			}
			if cmd.Flags().Changed("seed") {
				cfg.Board.SeedTasks = seed
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := newEngine(r.DB, cfg)
				bd, err := e.InitBoard(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if err := app.SetCurrentBoard(workspace, id); err != nil {
					return err
				}
				return printJSONOrTable(bd)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "board name")
	cmd.Flags().IntVar(&seed, "seed", 0, "number of ToDo tasks to create (default from config)")
	cmd.Flags().StringArrayVar(&owners, "owner", nil, "owner name (repeat exactly 4 times)")
	return cmd
}

func boardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListBoards(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				current, _ := app.CurrentBoard(viper.GetString("workspace"))
				tw := newTable(table.Row{"", "ID", "Name", "Created"})
				for _, b := range items {
					marker := ""
					if b.ID == current {
						marker = "*"
					}
					tw.AppendRow(table.Row{marker, b.ID, b.Name, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func boardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBoard(ctx, e.Config.Board.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func boardUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <board-id>",
		Short: "Set the board used when --board is not given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetBoard(ctx, args[0]); err != nil {
					return err
				}
				if err := app.SetCurrentBoard(viper.GetString("workspace"), args[0]); err != nil {
					return err
				}
				fmt.Printf("using board %s\n", args[0])
				return nil
			})
		},
	}
}

func boardDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <board-id>",
		Short: "Delete a board with its owners and tasks (events are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteBoard(ctx, args[0]); err != nil {
					return err
				}
				workspace := viper.GetString("workspace")
				if cur, _ := app.CurrentBoard(workspace); cur == args[0] {
					if err := app.SetCurrentBoard(workspace, ""); err != nil {
						return err
					}
				}
				fmt.Printf("deleted board %s\n", args[0])
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts per state and owner load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx, e.Config.Board.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Board: %s (%s)\n", st.Board.ID, st.Board.Name)
				fmt.Println("Tasks:")
				for _, s := range domain.States {
					fmt.Printf("  %-4s %d\n", s, st.Counts[s.String()])
				}
				printOwners(st.Owners)
				return nil
			})
		},
	}
}

func ownerCmd() *cobra.Command {
	o := &cobra.Command{Use: "owner", Short: "Inspect owners"}
	o.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the board's owners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				owners, err := e.ListOwners(ctx, e.Config.Board.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(owners)
				}
				printOwners(owners)
				return nil
			})
		},
	})
	return o
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks start in ToDo and move forward one state per pull. WiP and Test tasks always have an owner; Done tasks never do.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskPullCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var count int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create ToDo tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			if count > 1 && opts.ID != "" {
				return fmt.Errorf("--id cannot be combined with --count")
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.BoardID = e.Config.Board.ID
				created := make([]domain.Task, 0, count)
				for i := 0; i < count; i++ {
					t, err := e.CreateTask(ctx, opts)
					if err != nil {
						return err
					}
					created = append(created, t)
				}
				if count == 1 {
					return printJSONOrTable(created[0])
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				printTasks(created)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().IntVar(&count, "count", 1, "number of tasks to create")
	return cmd
}

func taskListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *domain.State
			if state != "" {
				s, err := domain.ParseState(state)
				if err != nil {
					return err
				}
				filter = &s
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, e.Config.Board.ID, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (todo, wip, test, done)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <task-id>...",
		Short: "Pull tasks to their next state",
		Long:  "ToDo tasks go to the first owner without WiP work. WiP tasks stay with their owner for Test when it is free, otherwise the first owner without Test work takes them. Test tasks are released to Done.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pulled := make([]domain.Task, 0, len(args))
				for _, id := range args {
					t, err := e.Pull(ctx, e.Config.Board.ID, id, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					pulled = append(pulled, t)
				}
				if len(pulled) == 1 {
					return printJSONOrTable(pulled[0])
				}
				if viper.GetBool("json") {
					return printJSON(pulled)
				}
				printTasks(pulled)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect board config",
		Long:  "Config is stored per board in the database: owners, seed tasks, notifications, server and log settings. Import from kanboard.yml with 'kb config import'.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML config into the active board",
		Long:  "Owners are fixed when a board is created, so an imported config must list the board's current owners.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				boardID := e.Config.Board.ID
				owners, err := e.ListOwners(ctx, boardID)
				if err != nil {
					return err
				}
				for i, o := range owners {
					if cfg.Board.Owners[i] != o.Name {
						return fmt.Errorf("config.board.owners[%d] is %q but the board has %q", i, cfg.Board.Owners[i], o.Name)
					}
				}
				if err := e.Repo.UpsertBoardConfig(ctx, boardID, cfg); err != nil {
					return err
				}
				fmt.Printf("imported %s into board %s\n", file, boardID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", config.Path(""), "path to YAML config")
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <board-id>",
		Short: "Write a default kanboard.yml into the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(args[0])), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every board change is recorded: board creation, new tasks and pulls.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.BoardID = e.Config.Board.ID
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the board API. Set KANBOARD_JWT_SECRET to require HS256 bearer tokens; without it the actor comes from the X-Actor-Id header.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("addr") && e.Config.Server.Addr != "" {
					addr = e.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && e.Config.Server.BasePath != "" {
					basePath = e.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: e.Log}
				if authCfg.JWTSecret == "" {
					e.Log.Warn("KANBOARD_JWT_SECRET not set; API accepts unauthenticated requests")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Log: e.Log})
				if err != nil {
					return err
				}
				if d := server.NewWebhookDispatcher(e, e.Log); d != nil {
					go d.Run(ctx, 0)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Log.WithFields(log.Fields{"addr": addr, "base_path": basePath, "board_id": e.Config.Board.ID}).Info("serving board API")
				fmt.Printf("Serving kanboard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

// newEngine builds an engine logging at the configured level; --log-level wins.
func newEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	e := engine.New(conn, cfg)
	level := cfg.Log.Level
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	e.Log = logging.New(level, cfg.Log.Format, os.Stderr)
	return e
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveBoardAndConfig(ctx, workspace, viper.GetString("board"), r)
	if err != nil {
		return err
	}
	e := newEngine(conn, cfg)
	addr := cfg.Notify.RedisAddr
	if v := viper.GetString("redis-addr"); v != "" {
		addr = v
	}
	if addr != "" {
		pub, err := notify.Dial(ctx, addr, cfg.Notify.ChannelPrefix)
		if err != nil {
			e.Log.WithField("redis_addr", addr).WithError(err).Warn("event notifications disabled")
		} else {
			defer pub.Close()
			e.Publisher = pub
		}
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printTasks(tasks []domain.Task) {
	tw := newTable(table.Row{"Seq", "ID", "Title", "State", "Owner"})
	for _, t := range tasks {
		owner := ""
		if t.OwnerID != nil {
			owner = *t.OwnerID
		}
		tw.AppendRow(table.Row{t.Seq, t.ID, t.Title, t.State, owner})
	}
	tw.Render()
}

func printOwners(owners []domain.Owner) {
	tw := newTable(table.Row{"#", "Name", "ID", "WiP", "Testing"})
	for _, o := range owners {
		tw.AppendRow(table.Row{o.Position, o.Name, o.ID, o.HasWorkInProgress, o.IsTesting})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
