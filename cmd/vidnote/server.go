package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vidnote/internal/app"
	"github.com/kalambet/vidnote/internal/config"
	"github.com/kalambet/vidnote/internal/logging"
	"github.com/kalambet/vidnote/internal/media"
	"github.com/kalambet/vidnote/internal/telemetry"
)

// Jobs in flight get this long to finish after a stop signal.
const shutdownTimeout = 30 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vidnote server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vidnote server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vidnote system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vidnote.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "vidnote version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()

	if cfg.Server.APIToken == "" {
		return errors.New("server.api_token is not set; the message and read API require it")
	}

	// Check if a server is already running via the health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := app.Build(cfg, app.WithLogger(logger), app.WithVersion(version))
	if err != nil {
		return err
	}
	if !a.Parser.IsRunning(ctx) {
		slog.Warn("parse service not reachable; links will fail until it is up", "url", cfg.Parser.URL)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.StartRecovery()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("vidnote listening", "addr", addr, "session_window", a.Sessions.Window())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "running_jobs", a.Orchestrator.Running())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), a.Close(shutdownCtx))
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("vidnote is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop vidnote (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to vidnote (PID %d)", pid)
	return nil
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

type statsResponse struct {
	TotalNotes      int        `json:"total_notes"`
	LatestNote      *time.Time `json:"latest_note"`
	SecondaryStages int        `json:"secondary_stages"`
	FailedJobs      int        `json:"failed_jobs"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var h healthResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&h)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK && decodeErr == nil {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("Open sessions", "%d", h.Sessions)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if media.New(cfg.Parser.URL).IsRunning(ctx) {
		printStatus("Parser", "running at %s", cfg.Parser.URL)
	} else {
		printStatus("Parser", "not reachable at %s", cfg.Parser.URL)
	}

	for _, p := range cfg.Providers.All() {
		target := p.PrimaryModel
		if p.HasSecondary() {
			target += " (failover: " + p.SecondaryModel + ")"
		}
		printStatus("Stage "+p.Role, "%s", target)
	}

	if running && cfg.Server.APIToken != "" {
		statsResp, err := apiGet(client, serverURL+"/stats", cfg.Server.APIToken)
		if err == nil {
			var st statsResponse
			if decodeJSON(statsResp, &st) == nil {
				printStatus("Notes", "%d", st.TotalNotes)
				if st.LatestNote != nil {
					printStatus("Latest note", "%s", st.LatestNote.Local().Format("2006-01-02 15:04"))
				}
				printStatus("Failover stages", "%d", st.SecondaryStages)
				printStatus("Failed jobs", "%d", st.FailedJobs)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
