package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tutorloop/tutorloop/ai"
	"github.com/tutorloop/tutorloop/ai/observability/logging"
	"github.com/tutorloop/tutorloop/internal/profile"
	"github.com/tutorloop/tutorloop/internal/version"
	"github.com/tutorloop/tutorloop/server"
)

var rootCmd = &cobra.Command{
	Use:   "tutorloop",
	Short: `A real-time AI language tutor. Speak or type, get corrections, scores and spoken replies.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Systemd deployments carry environment via the unit file instead.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}

		logging.Setup(instanceProfile.LogFormat, instanceProfile.LogLevel)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		service, err := ai.NewService(instanceProfile)
		if err != nil {
			slog.Error("failed to assemble analysis service", "error", err)
			return
		}

		s := server.NewServer(instanceProfile, service)

		c := make(chan os.Signal, 1)
		// The default signal sent by `kill` is SIGTERM, which most process
		// managers use to request graceful shutdown.
		signal.Notify(c, terminationSignals...)

		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		printGreetings(instanceProfile)

		if err := s.Start(ctx); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("failed to start server", "error", err)
				cancel()
			}
		}

		<-ctx.Done()
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")

	for _, key := range []string{"mode", "addr", "port"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("tutorloop")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("TutorLoop %s started\n", p.Version)
	if p.IsDev() {
		fmt.Fprintln(os.Stderr, "Development mode is enabled")
	}
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Memory budget: %d MB\n", p.MemoryBudgetMB)
	if p.Addr == "" {
		fmt.Printf("Server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
