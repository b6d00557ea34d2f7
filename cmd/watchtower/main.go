package main

// Command watchtower runs the news aggregator monitoring service and talks to
// a running instance.
//
//	watchtower serve --config /etc/watchtower/config.yaml
//	watchtower alerts list --status new,escalated
//	watchtower alerts ack <id>
//	watchtower threshold set cpu_percent 85
//	watchtower findings --minutes 30
//
// Client subcommands reach the server named by --server or WATCHTOWER_URL.

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/newsdigest/watchtower/internal/client"
)

var (
	serverURL string
	apiKey    string
	actor     string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:           "watchtower",
	Short:         "Monitoring and alerting for the news aggregator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultURL := os.Getenv("WATCHTOWER_URL")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:8090"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "Watchtower server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("WATCHTOWER_API_KEY"), "API key for the server")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "Operator name recorded on changes")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON")
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

func newClient() *client.Client {
	return client.New(serverURL, client.WithActor(actor), client.WithAPIKey(apiKey))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}
