package app

import (
	"context"
	"io"
	"os"

	"concierge/cmd/internal/api"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

// cliEnv carries the process streams and optional overrides into the commands.
type cliEnv struct {
	in     io.Reader
	out    io.Writer
	log    Logger
	askPwd PasswordFunc
}

func newRootCmd(cfg *Config, env cliEnv) *cobra.Command {
	root := &cobra.Command{
		Use:           "concierge",
		Short:         "Terminal client for the concierge chat backend",
		Long:          `concierge polls conversations on the concierge backend and lets operators and users chat from a terminal.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "backend base URL (CONCIERGE_API_URL)")
	pf.StringVar(&cfg.Token, "token", cfg.Token, "bearer token (CONCIERGE_TOKEN)")
	pf.StringVar(&cfg.Email, "email", cfg.Email, "login email (CONCIERGE_EMAIL)")
	pf.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "message poll period (CONCIERGE_POLL_INTERVAL)")
	pf.DurationVar(&cfg.ListInterval, "list-interval", cfg.ListInterval, "list refresh period (CONCIERGE_LIST_INTERVAL)")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (CONCIERGE_LOG_LEVEL)")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or pretty (CONCIERGE_LOG_FORMAT)")
	pf.StringVar(&cfg.RelayAddr, "relay-addr", cfg.RelayAddr, "serve the local relay on this address (CONCIERGE_RELAY_ADDR)")

	// start builds and authenticates an App for realm.
	start := func(cmd *cobra.Command, realm api.Realm) (*App, error) {
		a, err := New(*cfg, realm, env.log, env.in, cmd.OutOrStdout())
		if err != nil {
			return nil, err
		}
		if err := a.Authenticate(cmd.Context(), env.askPwd); err != nil {
			return nil, err
		}
		return a, nil
	}

	var (
		operatorConv  int64
		operatorWatch bool
	)
	operator := &cobra.Command{
		Use:   "operator",
		Short: "Staff console: pick an active session and reply as its persona",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := start(cmd, api.RealmStaff)
			if err != nil {
				return err
			}
			return a.Operator(cmd.Context(), operatorConv, operatorWatch)
		},
	}
	operator.Flags().Int64Var(&operatorConv, "conversation", 0, "session to open at start")
	operator.Flags().BoolVar(&operatorWatch, "watch", false, "print the session list whenever it changes")

	var chatConv int64
	chat := &cobra.Command{
		Use:   "chat",
		Short: "Chat in one of your conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := start(cmd, api.RealmUser)
			if err != nil {
				return err
			}
			return a.Chat(cmd.Context(), chatConv)
		},
	}
	chat.Flags().Int64Var(&chatConv, "conversation", 0, "conversation id")
	_ = chat.MarkFlagRequired("conversation")

	var convStaff bool
	conversations := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			realm := api.RealmUser
			if convStaff {
				realm = api.RealmStaff
			}
			a, err := start(cmd, realm)
			if err != nil {
				return err
			}
			return a.Conversations(cmd.Context())
		},
	}
	conversations.Flags().BoolVar(&convStaff, "staff", false, "authenticate as staff and list active sessions")

	var notifyWatch bool
	notifications := &cobra.Command{
		Use:   "notifications",
		Short: "Print notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := start(cmd, api.RealmUser)
			if err != nil {
				return err
			}
			return a.Notifications(cmd.Context(), notifyWatch)
		},
	}
	notifications.Flags().BoolVar(&notifyWatch, "watch", false, "keep refreshing until interrupted")

	root.AddCommand(operator, chat, conversations, notifications)
	return root
}

// execute runs the command line with args against cfg.
func execute(ctx context.Context, cfg Config, env cliEnv, args []string) error {
	if env.in == nil {
		env.in = os.Stdin
	}
	root := newRootCmd(&cfg, env)
	root.SetArgs(args)
	if env.out != nil {
		root.SetOut(env.out)
	}
	return root.ExecuteContext(ctx)
}
