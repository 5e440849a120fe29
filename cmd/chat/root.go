package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"chatgate/internal/chat"
	"chatgate/internal/config"
	"chatgate/internal/identity"
	"chatgate/internal/logger"
)

const defaultAPIURL = "http://localhost:8081/api"

type options struct {
	apiURL    string
	token     string
	tenant    string
	clientID  string
	authority string
	model     string
	verbose   bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chatgate-cli",
		Short:         "Chat with the models behind a chatgate gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logger.LevelWarn
			if opts.verbose {
				level = logger.LevelDebug
			}
			logger.Configure(level, true)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	f := root.PersistentFlags()
	f.StringVar(&opts.apiURL, "api-url", envOr("CHATGATE_API_URL", defaultAPIURL), "gateway API root")
	f.StringVar(&opts.token, "token", os.Getenv("CHATGATE_TOKEN"), "pre-issued bearer token (skips device sign-in)")
	f.StringVar(&opts.tenant, "tenant", os.Getenv("AZURE_TENANT_ID"), "Entra ID tenant for device sign-in")
	f.StringVar(&opts.clientID, "client-id", os.Getenv("AZURE_CLIENT_ID"), "public client id for device sign-in")
	f.StringVar(&opts.authority, "authority", os.Getenv("AZURE_AUTHORITY"), "override the identity provider authority URL")
	f.StringVar(&opts.model, "model", envOr("CHATGATE_MODEL", config.DefaultModel), "model used until another is selected")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log gateway exchanges")

	root.AddCommand(
		&cobra.Command{
			Use:   "chat",
			Short: "Start an interactive conversation (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runChat(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "models",
			Short: "List the models the gateway offers",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runModels(cmd.Context(), opts, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "login",
			Short: "Sign in and show the resulting identity",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runLogin(cmd.Context(), opts, cmd.OutOrStdout())
			},
		},
	)
	return root
}

// tokenProvider picks the static token when one is given, the device flow otherwise.
func (o *options) tokenProvider(out io.Writer) (chat.TokenProvider, error) {
	if o.token != "" {
		return chat.NewStaticTokenProvider(o.token, nil), nil
	}
	if o.clientID == "" || (o.tenant == "" && o.authority == "") {
		return nil, fmt.Errorf("either --token or both --tenant and --client-id are required")
	}
	cfg := &oauth2.Config{
		ClientID: o.clientID,
		Endpoint: identity.Endpoint(o.authority, o.tenant),
		Scopes:   []string{"openid", "profile", "offline_access", identity.GraphUserReadScope},
	}
	return chat.NewDeviceFlowProvider(cfg, func(da *oauth2.DeviceAuthResponse) {
		fmt.Fprintf(out, "To sign in, open %s and enter the code %s\n", da.VerificationURI, da.UserCode)
	}), nil
}

func (o *options) controller(ctx context.Context, out io.Writer) (*chat.Controller, error) {
	tokens, err := o.tokenProvider(out)
	if err != nil {
		return nil, err
	}
	log := logger.Component("cli")
	ctrl := chat.NewController(
		chat.NewHTTPGateway(o.apiURL, &http.Client{}),
		tokens,
		chat.Config{DefaultModel: o.model, Logger: &log},
	)
	if _, err := ctrl.SignIn(ctx); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	return ctrl, nil
}

func runLogin(ctx context.Context, o *options, out io.Writer) error {
	tokens, err := o.tokenProvider(out)
	if err != nil {
		return err
	}
	p, err := tokens.Login(ctx)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	fmt.Fprintf(out, "Signed in as %s (%s)\n", p.DisplayName(), p.Key())
	return nil
}

func runModels(ctx context.Context, o *options, out io.Writer) error {
	ctrl, err := o.controller(ctx, out)
	if err != nil {
		return err
	}
	list, err := ctrl.RefreshModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %s", chat.DisplayMessage(err))
	}
	printModels(out, list, o.model)
	return nil
}
