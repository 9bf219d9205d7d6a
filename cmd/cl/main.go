package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/migrate"
	"careline/internal/repo"
	"careline/internal/server"
	"careline/internal/syncer"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Careline CLI",
	Long: `Careline runs symptom assessment sessions for community health workers,
entirely offline. Sessions collect symptoms turn by turn, screen every turn
for emergencies, and close with a risk assessment that queues locally until
connectivity allows upload to the district server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("CARELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("worker-id", "local-worker", "health worker identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("worker-id", rootCmd.PersistentFlags().Lookup("worker-id"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(maternalCmd())
	rootCmd.AddCommand(outcomeCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(patientCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Run assessment sessions"}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionInputCmd())
	s.AddCommand(sessionCompleteCmd())
	s.AddCommand(sessionShowCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var patientID, language string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session for a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartSession(ctx, patientID, viper.GetString("worker-id"), language)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Session %s started for patient %s\n", s.ID, s.PatientID)
				fmt.Println("Q:", s.Messages[len(s.Messages)-1].Text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "patient id")
	cmd.Flags().StringVar(&language, "language", "en", "session language (en, hi, sw)")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func sessionInputCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "input <text>",
		Short: "Send one worker utterance to a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessInput(ctx, sessionID, text)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Emergency != nil {
					fmt.Println("!! EMERGENCY:", res.Emergency.Type)
					for _, a := range res.Emergency.Actions {
						fmt.Println("   -", a)
					}
					fmt.Println("   Refer to:", res.Emergency.FacilityID)
					return nil
				}
				fmt.Println("Q:", res.Reply)
				if res.Done {
					fmt.Println("(ready to complete)")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func sessionCompleteCmd() *cobra.Command {
	var sessionID string
	var age int
	var pregnant bool
	var chronic []string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a session and print the risk assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			history := domain.PatientHistory{
				Age:               age,
				Pregnant:          pregnant,
				ChronicConditions: chronic,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CompleteSession(ctx, sessionID, history)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("Risk: %s (confidence %.2f)\n", a.RiskLevel, a.ConfidenceScore)
				if a.ReferralRequired {
					fmt.Println("Referral required")
				}
				if a.GuidelineDegraded {
					fmt.Println("Note: no guideline evidence available; generic guidance only")
				}
				for _, r := range a.Reasoning {
					fmt.Println("  reason:", r)
				}
				for _, r := range a.Recommendations {
					fmt.Println("  rec:", r)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().IntVar(&age, "age", 0, "patient age")
	cmd.Flags().BoolVar(&pregnant, "pregnant", false, "patient is pregnant")
	cmd.Flags().StringSliceVar(&chronic, "chronic", nil, "chronic conditions")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a session transcript and symptoms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, sessionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Session %s [%s] patient=%s lang=%s questions=%d\n",
					s.ID, s.State, s.PatientID, s.Language, s.QuestionCount)
				for _, m := range s.Messages {
					fmt.Printf("  %s: %s\n", m.Role, m.Text)
				}
				if len(s.Symptoms) > 0 {
					t := newTable("NAME", "SEVERITY", "DURATION")
					for _, sym := range s.Symptoms {
						t.AppendRow(table.Row{sym.Name, sym.Severity, sym.Duration})
					}
					fmt.Println(t.Render())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func checkCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "check <utterance>",
		Short: "Screen an utterance for emergency keywords",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v := e.CheckEmergency(nil, []string{text}, language)
				if viper.GetBool("json") {
					return printJSON(v)
				}
				if !v.IsEmergency {
					fmt.Println("No emergency detected")
					return nil
				}
				fmt.Printf("EMERGENCY %s (matched %q)\n", v.Type, v.Matched)
				for _, a := range v.Actions {
					fmt.Println("  -", a)
				}
				fmt.Println("Refer to:", v.FacilityID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&language, "language", "en", "utterance language")
	return cmd
}

func maternalCmd() *cobra.Command {
	var data domain.MaternalData
	cmd := &cobra.Command{
		Use:   "maternal",
		Short: "Compute a maternal risk score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				score, err := e.MaternalScore(ctx, viper.GetString("worker-id"), data)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(score)
				}
				fmt.Printf("Score: %d/100 (%s), next visit %s\n", score.Score, score.RiskLevel, score.NextVisit)
				t := newTable("FACTOR", "TIER", "DETAIL")
				for _, f := range score.Factors {
					t.AppendRow(table.Row{f.Name, f.Tier, f.Description})
				}
				fmt.Println(t.Render())
				for _, r := range score.Recommendations {
					fmt.Println("  rec:", r)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&data.PatientID, "patient", "", "patient id")
	cmd.Flags().IntVar(&data.Age, "age", 0, "maternal age in years")
	cmd.Flags().IntVar(&data.GestationalWeeks, "weeks", 0, "gestational age in weeks")
	cmd.Flags().IntVar(&data.BPSystolic, "bp-sys", 0, "systolic blood pressure")
	cmd.Flags().IntVar(&data.BPDiastolic, "bp-dia", 0, "diastolic blood pressure")
	cmd.Flags().Float64Var(&data.Hemoglobin, "hb", 0, "hemoglobin g/dL")
	cmd.Flags().BoolVar(&data.PriorComplications, "prior-complications", false, "prior pregnancy complications")
	cmd.Flags().IntVar(&data.SymptomSeverity, "severity", 0, "current symptom severity 1-10")
	_ = cmd.MarkFlagRequired("age")
	return cmd
}

func outcomeCmd() *cobra.Command {
	var assessmentID, outcome string
	cmd := &cobra.Command{
		Use:   "outcome",
		Short: "Record the clinical outcome for an assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RecordOutcome(ctx, viper.GetString("worker-id"), assessmentID, outcome)
			})
		},
	}
	cmd.Flags().StringVar(&assessmentID, "assessment", "", "assessment id")
	cmd.Flags().StringVar(&outcome, "outcome", "", "observed clinical outcome")
	_ = cmd.MarkFlagRequired("assessment")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect the offline sync queue"}
	q.AddCommand(queueListCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued assessments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListQueue(ctx, repo.QueueFilters{Status: domain.SyncStatus(status)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("LOCAL ID", "PATIENT", "RISK", "STATUS", "ATTEMPTS", "CREATED")
				for _, oa := range items {
					t.AppendRow(table.Row{oa.LocalID, oa.PatientID, oa.Assessment.RiskLevel, oa.Status, oa.Attempts, oa.CreatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, synced, failed)")
	return cmd
}

func syncCmd() *cobra.Command {
	s := &cobra.Command{Use: "sync", Short: "Synchronize with the district server"}
	s.AddCommand(syncRunCmd())
	return s
}

func syncRunCmd() *cobra.Command {
	var remoteDSN string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Upload pending assessments and download patient updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := remoteDSN
			if dsn == "" {
				dsn = os.Getenv("CARELINE_REMOTE_DSN")
			}
			if dsn == "" {
				return fmt.Errorf("--remote or CARELINE_REMOTE_DSN is required")
			}
			remote, err := syncer.OpenPostgres(dsn)
			if err != nil {
				return err
			}
			defer remote.Close()
			return withConn(cmd.Context(), func(ctx context.Context, cfg *config.Config, conn *sql.DB) error {
				c := syncer.NewCoordinator(cfg, conn, remote, viper.GetString("worker-id"))
				if err := remote.Ping(ctx); err != nil {
					return fmt.Errorf("remote unreachable: %w", err)
				}
				res, err := c.Drain(ctx)
				if err != nil {
					return err
				}
				applied, conflicts, err := c.DownloadPatientUpdates(ctx)
				if err != nil {
					return err
				}
				res.Conflicts = append(res.Conflicts, conflicts...)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"result": res, "patients_applied": applied})
				}
				fmt.Printf("Uploaded %d, failed %d, skipped %d; %d patient updates applied\n",
					res.Uploaded, res.Failed, res.Skipped, applied)
				for _, cf := range res.Conflicts {
					fmt.Printf("  conflict %s (%s): %s\n", cf.LocalID, cf.Kind, cf.Resolution)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&remoteDSN, "remote", "", "district server Postgres DSN")
	return cmd
}

func patientCmd() *cobra.Command {
	p := &cobra.Command{Use: "patient", Short: "Local patient mirror"}
	p.AddCommand(patientListCmd())
	return p
}

func patientListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List locally mirrored patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPatients(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "REGION", "VERSION", "DIRTY", "UPDATED")
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.Name, p.Region, p.Version, p.Dirty, p.UpdatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit trail"}
	a.AddCommand(auditTailCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Audit.Tail(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("TS", "WORKER", "ACTION", "ENTITY", "PATIENT")
				for _, r := range items {
					t.AppendRow(table.Row{r.TS, r.WorkerID, r.Action, r.EntityKind + "/" + r.EntityID, r.PatientID})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage configuration"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default careline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, remoteDSN string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CARELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CARELINE_JWT_SECRET is required for bearer auth")
			}
			return withConn(cmd.Context(), func(ctx context.Context, cfg *config.Config, conn *sql.DB) error {
				e := engine.New(cfg, conn)
				var coord *syncer.Coordinator
				dsn := remoteDSN
				if dsn == "" {
					dsn = os.Getenv("CARELINE_REMOTE_DSN")
				}
				if dsn != "" {
					remote, err := syncer.OpenPostgres(dsn)
					if err != nil {
						return err
					}
					defer remote.Close()
					coord = syncer.NewCoordinator(cfg, conn, remote, viper.GetString("worker-id"))
					go coord.Run(ctx)
				}
				handler, err := server.New(server.Config{Engine: e, Syncer: coord, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Careline API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&remoteDSN, "remote", "", "district server Postgres DSN")
	return cmd
}

// --- helpers ---

func withConn(ctx context.Context, fn func(context.Context, *config.Config, *sql.DB) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, cfg, conn)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withConn(ctx, func(ctx context.Context, cfg *config.Config, conn *sql.DB) error {
		return fn(ctx, engine.New(cfg, conn))
	})
}

func newTable(cols ...string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	row := table.Row{}
	for _, c := range cols {
		row = append(row, c)
	}
	t.AppendHeader(row)
	return t
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
