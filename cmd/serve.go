package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/smarther-bridge/internal/pkg/backoff"
	"github.com/jake-scott/smarther-bridge/internal/pkg/coordinator"
	"github.com/jake-scott/smarther-bridge/internal/pkg/handlers"
	"github.com/jake-scott/smarther-bridge/internal/pkg/lgoauth"
	"github.com/jake-scott/smarther-bridge/internal/pkg/logging"
	"github.com/jake-scott/smarther-bridge/internal/pkg/smartherapi"
	"github.com/jake-scott/smarther-bridge/pkg/middlewares"
)

var _serveCmdOpts struct {
	httpPort        uint16
	tlsCertPath     string
	tlsKeyPath      string
	gracefulTimeout time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	apiTimeout      time.Duration
	pollInterval    time.Duration
	commandTimeout  time.Duration
	maxConcurrent   int
	logRequests     bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the thermostat polling daemon and its HTTP state interface",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doServe(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("legrand.client-id", "legrand.client-secret", "accounts")
	},
}

func init() {
	serveCmd.Flags().Uint16Var(&_serveCmdOpts.httpPort, "http-port", 8743, "HTTP port number")
	serveCmd.Flags().StringVar(&_serveCmdOpts.tlsCertPath, "tls-cert", "", "TLS certificate file (plain HTTP if unset)")
	serveCmd.Flags().StringVar(&_serveCmdOpts.tlsKeyPath, "tls-key", "", "TLS key file")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.apiTimeout, "api-timeout", time.Second*30, "maximum duration of a Legrand API call, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.pollInterval, "poll-interval", coordinator.DefaultInterval, "thermostat refresh interval (30s to 5m)")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.commandTimeout, "command-timeout", 0, "pending command confirmation timeout (default 2x poll interval)")
	serveCmd.Flags().IntVar(&_serveCmdOpts.maxConcurrent, "max-concurrent", 4, "maximum concurrent module fetches per poll cycle")
	serveCmd.Flags().BoolVar(&_serveCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("http.port", serveCmd.Flags().Lookup("http-port")))
	errPanic(viper.GetViper().BindPFlag("http.cert", serveCmd.Flags().Lookup("tls-cert")))
	errPanic(viper.GetViper().BindPFlag("http.key", serveCmd.Flags().Lookup("tls-key")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", serveCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", serveCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", serveCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("legrand.api-timeout", serveCmd.Flags().Lookup("api-timeout")))
	errPanic(viper.GetViper().BindPFlag("poll.interval", serveCmd.Flags().Lookup("poll-interval")))
	errPanic(viper.GetViper().BindPFlag("poll.command-timeout", serveCmd.Flags().Lookup("command-timeout")))
	errPanic(viper.GetViper().BindPFlag("poll.max-concurrent", serveCmd.Flags().Lookup("max-concurrent")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", serveCmd.Flags().Lookup("log-requests")))

	rootCmd.AddCommand(serveCmd)
}

// accountConfig is one entry of the `accounts` config list.
type accountConfig struct {
	Name      string `mapstructure:"name"`
	StateFile string `mapstructure:"state-file"`
}

func backoffFromConfig() backoff.Policy {
	p := backoff.Default()
	if viper.IsSet("poll.backoff.base") {
		p.Base = viper.GetDuration("poll.backoff.base")
	}
	if viper.IsSet("poll.backoff.multiplier") {
		p.Multiplier = viper.GetFloat64("poll.backoff.multiplier")
	}
	if viper.IsSet("poll.backoff.cap") {
		p.Cap = viper.GetDuration("poll.backoff.cap")
	}
	if viper.IsSet("poll.backoff.max-retries") {
		p.MaxRetries = viper.GetInt("poll.backoff.max-retries")
	}

	return p
}

func doServe() error {
	wait := viper.GetDuration("http.graceful-timeout")
	port := viper.GetUint("http.port")
	certFile := viper.GetString("http.cert")
	keyFile := viper.GetString("http.key")
	clientID := viper.GetString("legrand.client-id")
	clientSecret := viper.GetString("legrand.client-secret")
	apiTimeout := viper.GetDuration("legrand.api-timeout")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	var accounts []accountConfig
	if err := viper.UnmarshalKey("accounts", &accounts); err != nil {
		return err
	}
	if len(accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	api := smartherapi.NewLiveClient()
	if base := viper.GetString("legrand.base-url"); base != "" {
		api = api.WithBaseURL(base)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	coords := make([]*coordinator.Coordinator, 0, len(accounts))

	for _, ac := range accounts {
		state := lgoauth.NewState().WithClientID(clientID).WithClientSecret(clientSecret)
		if err := state.Load(ac.StateFile); err != nil {
			return err
		}

		tokens := lgoauth.NewManager(&state).WithBackoff(backoffFromConfig())

		coord := coordinator.New(coordinator.Config{
			Account:        ac.Name,
			Interval:       viper.GetDuration("poll.interval"),
			CommandTimeout: viper.GetDuration("poll.command-timeout"),
			Backoff:        backoffFromConfig(),
			MaxConcurrent:  viper.GetInt("poll.max-concurrent"),
		}, api.WithTimeout(apiTimeout), tokens)
		coords = append(coords, coord)

		wg.Add(1)
		go func() {
			defer wg.Done()
			coord.Run(ctx)
		}()
	}

	th := handlers.NewThermostatHandler(coords)

	r := mux.NewRouter()
	r.Use(middlewares.NewCorsMw(cors.Options{}))
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	th.Register(r)

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}

	logging.Logger(nil).Infof("Serving on port %d", port)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = s.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = s.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c

	logging.Logger(nil).Info("shutting down")

	// stop the polling loops, let in-flight requests drain
	cancel()
	wg.Wait()

	sctx, scancel := context.WithTimeout(context.Background(), wait)
	defer scancel()
	if err := s.Shutdown(sctx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}
	logging.Logger(nil).Info("exiting")
	return nil
}
