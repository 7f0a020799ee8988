package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/queue"
)

// dialQueue is swapped in tests.
var dialQueue = func(amqpURL string) (queue.Queue, func() error, error) {
	q, err := queue.DialAMQP(amqpURL, nil)
	if err != nil {
		return nil, nil, err
	}
	return q, q.Close, nil
}

func newRootCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)

	root := &cobra.Command{
		Use:           "followerctl",
		Short:         "Drive the follower cache and campaign runner over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultServer := os.Getenv("FOLLOWERCTL_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&server, "server", defaultServer, "server base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	client := func() *apiClient { return newAPIClient(server, timeout) }

	root.AddCommand(newCacheCmd(client), newCampaignCmd(client))
	return root
}

// --- cache ---

func newCacheCmd(client func() *apiClient) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and build the follower cache",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show cache status and completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := client().get(cmd.Context(), "/follower-cache/status")
			if err != nil {
				return err
			}
			return printData(cmd, env)
		},
	}

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Start a cache build, resuming an interrupted one",
		RunE: func(cmd *cobra.Command, args []string) error {
			rebuild, _ := cmd.Flags().GetBool("rebuild")
			env, err := client().post(cmd.Context(), "/follower-cache/build", map[string]bool{"rebuild": rebuild})
			if err != nil {
				return err
			}
			return printData(cmd, env)
		},
	}
	buildCmd.Flags().Bool("rebuild", false, "discard the cache and fetch every page again")

	queryCmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Search cached followers by handle or display name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, _ := cmd.Flags().GetInt("page")
			pageSize, _ := cmd.Flags().GetInt("page-size")

			v := url.Values{}
			if len(args) == 1 {
				v.Set("query", args[0])
			}
			v.Set("page", strconv.Itoa(page))
			v.Set("page_size", strconv.Itoa(pageSize))

			env, err := client().get(cmd.Context(), "/follower-cache/followers?"+v.Encode())
			if err != nil {
				return err
			}
			return printData(cmd, env)
		},
	}
	queryCmd.Flags().Int("page", 1, "page number")
	queryCmd.Flags().Int("page-size", 50, "followers per page")

	cacheCmd.AddCommand(statusCmd, buildCmd, queryCmd)
	return cacheCmd
}

// --- campaign ---

func newCampaignCmd(client func() *apiClient) *cobra.Command {
	campaignCmd := &cobra.Command{
		Use:   "campaign",
		Short: "Run, stop and inspect messaging campaigns",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a campaign",
		Long: `Start a campaign from flags or from a JSON spec file.

Examples:
  followerctl campaign run --target 12 --target @anna1 --template "Hi {display_name}!" --min-interval 2s --jitter 1s
  followerctl campaign run --file campaign.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := specFromFlags(cmd)
			if err != nil {
				return err
			}
			env, err := client().post(cmd.Context(), "/campaigns/run", body)
			if err != nil {
				return err
			}
			return printData(cmd, env)
		},
	}
	addSpecFlags(runCmd)

	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a campaign on RabbitMQ for a worker to run",
		RunE: func(cmd *cobra.Command, args []string) error {
			amqpURL, _ := cmd.Flags().GetString("amqp-url")
			if amqpURL == "" {
				return fmt.Errorf("--amqp-url or AMQP_URL is required")
			}
			body, err := specFromFlags(cmd)
			if err != nil {
				return err
			}

			q, closeQueue, err := dialQueue(amqpURL)
			if err != nil {
				return err
			}
			defer closeQueue()
			if err := q.Publish(queue.TopicCampaignRuns, json.RawMessage(body)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queued")
			return nil
		},
	}
	addSpecFlags(enqueueCmd)
	enqueueCmd.Flags().String("amqp-url", os.Getenv("AMQP_URL"), "RabbitMQ URL")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running campaign at the next target",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := client().post(cmd.Context(), "/campaigns/stop", nil)
			if err != nil {
				return err
			}
			return printData(cmd, env)
		},
	}

	activeCmd := &cobra.Command{
		Use:   "active",
		Short: "Show the running campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := client().get(cmd.Context(), "/campaigns/active")
			if err != nil {
				return err
			}
			return printData(cmd, env)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List past campaign runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, _ := cmd.Flags().GetInt("page")
			pageSize, _ := cmd.Flags().GetInt("page-size")
			outcome, _ := cmd.Flags().GetString("outcome")

			v := url.Values{}
			v.Set("page", strconv.Itoa(page))
			v.Set("page_size", strconv.Itoa(pageSize))
			if outcome != "" {
				v.Set("outcome", outcome)
			}
			env, err := client().get(cmd.Context(), "/campaigns?"+v.Encode())
			if err != nil {
				return err
			}
			return printData(cmd, env)
		},
	}
	listCmd.Flags().Int("page", 1, "page number")
	listCmd.Flags().Int("page-size", 20, "runs per page")
	listCmd.Flags().String("outcome", "", "filter by outcome (running, completed, aborted, failed)")

	getCmd := &cobra.Command{
		Use:   "get <campaign-id>",
		Short: "Show one run with per-target results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := client().get(cmd.Context(), "/campaigns/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			return printData(cmd, env)
		},
	}

	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Render a message template for one target",
		RunE: func(cmd *cobra.Command, args []string) error {
			template, _ := cmd.Flags().GetString("template")
			target, _ := cmd.Flags().GetString("target")
			env, err := client().post(cmd.Context(), "/campaigns/preview", map[string]string{
				"message_template": template,
				"target":           target,
			})
			if err != nil {
				return err
			}
			var out struct {
				RenderedMessage string `json:"rendered_message"`
			}
			if err := json.Unmarshal(env.Data, &out); err != nil {
				return fmt.Errorf("decoding preview: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.RenderedMessage)
			return nil
		},
	}
	previewCmd.Flags().String("template", "", "message template")
	previewCmd.Flags().String("target", "", "follower id or @handle")

	campaignCmd.AddCommand(runCmd, enqueueCmd, stopCmd, activeCmd, listCmd, getCmd, previewCmd)
	return campaignCmd
}

func addSpecFlags(cmd *cobra.Command) {
	cmd.Flags().String("file", "", "JSON campaign spec; other spec flags are ignored")
	cmd.Flags().String("id", "", "campaign id (default: a new UUID)")
	cmd.Flags().StringArray("target", nil, "follower id or @handle, repeatable")
	cmd.Flags().String("template", "", "message template with {id}, {screen_name}, {display_name}")
	cmd.Flags().Duration("min-interval", 0, "minimum wait between targets")
	cmd.Flags().Duration("jitter", 0, "random extra wait added to min-interval")
	cmd.Flags().Int("max-retries", 0, "retries per target after the first attempt")
}

// specFromFlags returns the campaign spec JSON. Validation is left to the
// server.
func specFromFlags(cmd *cobra.Command) ([]byte, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading spec: %w", err)
		}
		return data, nil
	}

	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		id = uuid.NewString()
	}
	targets, _ := cmd.Flags().GetStringArray("target")
	template, _ := cmd.Flags().GetString("template")
	minInterval, _ := cmd.Flags().GetDuration("min-interval")
	jitter, _ := cmd.Flags().GetDuration("jitter")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")

	return json.Marshal(model.CampaignSpec{
		CampaignID:      id,
		Targets:         targets,
		MessageTemplate: template,
		Pacing: model.PacingSpec{
			MinInterval: model.Duration(minInterval),
			Jitter:      model.Duration(jitter),
		},
		MaxRetries: maxRetries,
	})
}

func printData(cmd *cobra.Command, env *envelope) error {
	out := map[string]any{"data": env.Data}
	if env.Pagination != nil {
		out["pagination"] = env.Pagination
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
