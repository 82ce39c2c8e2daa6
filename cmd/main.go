package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"spg/admin"
	"spg/app"
	redisclient "spg/client/redis"
	"spg/config"
	"spg/handlers"
	"spg/logging"
	"spg/metrics"
	"spg/middlewares"
)

const appVersion = "1.0.0"

var configFlag string

func main() {
	root := &cobra.Command{
		Use:           "spg",
		Short:         "Secure proxy gateway",
		Long:          "A configurable HTTP reverse-proxy gateway with per-route rewriting, response masking, and hot-reloaded configuration.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"config file path (default: $"+config.EnvConfigPath+", else the nearest config.yaml at or above the working directory, else ./config.yaml)")

	root.AddCommand(serveCommand())
	root.AddCommand(listCommand())
	root.AddCommand(addCommand())
	root.AddCommand(removeCommand())
	root.AddCommand(maskCommand())
	root.AddCommand(validateCommand())

	if err := root.Execute(); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func configPath() string {
	return config.ResolvePath(configFlag)
}

func serveCommand() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			_, format, err := config.ReadRaw(path)
			if err != nil {
				return err
			}

			logger := logging.Initialize(cfg.Logging)
			metrics.InitMetrics()

			gateway := app.New(path, cfg, format, logger)

			var redisLimiter middlewares.RedisLimiter
			if cfg.Redis.Enabled {
				client, err := redisclient.Init(logger, cfg.Redis)
				if err != nil {
					logger.Warn("Redis unavailable, falling back to in-memory rate limiting", "error", err)
				} else {
					redisLimiter = middlewares.NewRedisLimiter(client)
				}
			}
			limiter := middlewares.NewRateLimiter(redisLimiter, logger)

			proxy := handlers.ProxyEntry(gateway, limiter)
			router := admin.NewRouter(gateway, appVersion, proxy)

			serveHost := cfg.Server.Host
			if host != "" {
				serveHost = host
			}
			servePort := cfg.Server.Port
			if port != 0 {
				servePort = port
			}

			server := &http.Server{
				Addr:    net.JoinHostPort(serveHost, strconv.Itoa(servePort)),
				Handler: router,
			}

			idleConnsClosed := make(chan struct{})
			go func() {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
				<-sigChan

				logger.Info("Shutting down server gracefully...")
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					logger.Error("Server forced to shutdown", "error", err)
				}
				gateway.Shutdown()
				close(idleConnsClosed)
			}()

			logger.Info("Gateway is ready",
				"addr", server.Addr,
				"routes", len(cfg.Routes),
				"config", path,
			)

			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-idleConnsClosed
			logger.Info("All connections closed, exiting.")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List configured routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			bold := color.New(color.Bold).Sprint
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				bold("NAME"), bold("METHOD"), bold("PATH"), bold("TARGET"), bold("DESCRIPTION"))
			for _, route := range cfg.Routes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					route.Name, route.Method, route.Path, route.Target, route.Description)
			}
			return w.Flush()
		},
	}
}

func addCommand() *cobra.Command {
	var name, method, description string

	cmd := &cobra.Command{
		Use:   "add PATH TARGET",
		Short: "Add a new route",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			routeName := name
			if routeName == "" {
				routeName = trimmedOrRoot(args[0])
			}
			for _, route := range cfg.Routes {
				if route.Name == routeName {
					return fmt.Errorf("route name %q already exists", routeName)
				}
			}

			cfg.Routes = append(cfg.Routes, config.Route{
				Name:        routeName,
				Path:        args[0],
				Target:      args[1],
				Method:      method,
				Description: description,
			})
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, path, "", false); err != nil {
				return err
			}
			color.Green("Added route %s", routeName)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unique route name (default: derived from path)")
	cmd.Flags().StringVar(&method, "method", "*", "HTTP method, * for all")
	cmd.Flags().StringVar(&description, "description", "", "route description")
	return cmd
}

func removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME",
		Short: "Remove a route by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			kept := cfg.Routes[:0]
			for _, route := range cfg.Routes {
				if route.Name != args[0] {
					kept = append(kept, route)
				}
			}
			if len(kept) == len(cfg.Routes) {
				return fmt.Errorf("route %s not found", args[0])
			}
			cfg.Routes = kept

			if err := config.Save(cfg, path, "", false); err != nil {
				return err
			}
			color.Green("Removed route %s", args[0])
			return nil
		},
	}
}

func maskCommand() *cobra.Command {
	var pattern, repl string

	cmd := &cobra.Command{
		Use:   "mask NAME",
		Short: "Add a masking rule to a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			var target *config.Route
			for i := range cfg.Routes {
				if cfg.Routes[i].Name == args[0] {
					target = &cfg.Routes[i]
					break
				}
			}
			if target == nil {
				return fmt.Errorf("route %s not found", args[0])
			}

			target.ResponseRules.MaskRegex = append(target.ResponseRules.MaskRegex, config.MaskRule{
				Pattern:     pattern,
				Replacement: repl,
			})
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, path, "", false); err != nil {
				return err
			}
			color.Green("Added mask rule to %s", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "regex pattern")
	cmd.Flags().StringVar(&repl, "repl", "", "replacement string (Go regexp syntax: $1, ${name})")
	cmd.MarkFlagRequired("pattern")
	cmd.MarkFlagRequired("repl")
	return cmd
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath()); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			color.Green("Config is valid")
			return nil
		},
	}
}

func trimmedOrRoot(routePath string) string {
	if trimmed := strings.Trim(routePath, "/"); trimmed != "" {
		return trimmed
	}
	return "root"
}
