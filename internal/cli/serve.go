package cli

import (
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/mcpagent/tools/email"
	"github.com/effective-security/mcpagent/tools/search"
	"github.com/effective-security/mcpagent/tools/weather"
	"github.com/effective-security/x/values"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	addr     string
	endpoint string
}

func (f *serveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "Address to listen on, overrides the configuration")
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "HTTP path of the MCP endpoint, overrides the configuration")
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a tool server",
	}

	cmd.AddCommand(newServeEmailCmd(a))
	cmd.AddCommand(newServeWeatherCmd(a))
	cmd.AddCommand(newServeSearchCmd(a))

	return cmd
}

func newServeEmailCmd(a *app) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "email",
		Short: "Run the Gmail tool server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ec := a.cfg.Email

			mailbox, err := email.NewGmail(ctx, ec.CredentialsFile, ec.TokenFile)
			if err != nil {
				return err
			}
			return tools.Serve(ctx, email.New(mailbox),
				values.StringsCoalesce(flags.addr, ec.Addr),
				values.StringsCoalesce(flags.endpoint, ec.Endpoint))
		},
	}
	flags.register(cmd)
	return cmd
}

func newServeWeatherCmd(a *app) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "weather",
		Short: "Run the Open-Meteo weather tool server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wc := a.cfg.Weather
			p := weather.New(
				weather.WithGeocodingURL(wc.GeocodingURL),
				weather.WithForecastURL(wc.ForecastURL),
			)
			return tools.Serve(cmd.Context(), p,
				values.StringsCoalesce(flags.addr, wc.Addr),
				values.StringsCoalesce(flags.endpoint, wc.Endpoint))
		},
	}
	flags.register(cmd)
	return cmd
}

func newServeSearchCmd(a *app) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run the Tavily web search tool server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := a.cfg.Search
			p, err := search.New(sc.APIKey)
			if err != nil {
				return err
			}
			if sc.BaseURL != "" {
				p.WithBaseURL(sc.BaseURL)
			}
			return tools.Serve(cmd.Context(), p,
				values.StringsCoalesce(flags.addr, sc.Addr),
				values.StringsCoalesce(flags.endpoint, sc.Endpoint))
		},
	}
	flags.register(cmd)
	return cmd
}
