package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"neighborly/api/internal/auth"
	"neighborly/api/internal/client"
	"neighborly/api/internal/config"
	"neighborly/api/internal/logging"
)

type globalOptions struct {
	apiURL   string
	token    string
	interval time.Duration
	timeout  time.Duration
	logLevel string
}

func newRootCmd() *cobra.Command {
	var opts globalOptions
	cfg, err := config.Load()
	if err == nil {
		opts = globalOptions{apiURL: cfg.APIURL, token: cfg.APIToken, interval: cfg.PollInterval, logLevel: cfg.LogLevel}
	} else {
		opts = globalOptions{apiURL: "http://localhost:8787", interval: 5 * time.Second, logLevel: "info"}
	}

	cmd := &cobra.Command{
		Use:           "neighborctl",
		Short:         "Command line client for the Neighborly API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.apiURL, "api", opts.apiURL, "API base URL (NEIGHBORLY_API_URL)")
	cmd.PersistentFlags().StringVar(&opts.token, "token", opts.token, "Bearer token (NEIGHBORLY_TOKEN)")
	cmd.PersistentFlags().DurationVar(&opts.interval, "interval", opts.interval, "Poll interval for watch")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "Timeout of one API call")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level")

	cmd.AddCommand(newWatchCmd(&opts))
	cmd.AddCommand(newCreateCmd(&opts))
	cmd.AddCommand(newAcceptCmd(&opts))
	cmd.AddCommand(newCompleteCmd(&opts))
	cmd.AddCommand(newDeleteCmd(&opts))
	cmd.AddCommand(newSearchCmd(&opts))
	cmd.AddCommand(newPromptsCmd(&opts))
	cmd.AddCommand(newConsumeCmd(&opts))
	cmd.AddCommand(newSayCmd(&opts))
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func (o *globalOptions) client() (*client.Client, error) {
	return client.New(o.apiURL, o.token, client.WithHTTPClient(&http.Client{Timeout: o.timeout}))
}

func (o *globalOptions) logger(prefix string) *logrus.Entry {
	return logging.Component(logging.New(o.logLevel, os.Stderr), prefix)
}

// viewerID reads the subject of the bearer token. The signature is checked
// by the server, the CLI only needs to know who it is acting as.
func viewerID(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	var claims auth.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return claims.UserID(), nil
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func main() {
	Execute()
}
