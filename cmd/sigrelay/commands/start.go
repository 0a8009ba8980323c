// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/sigrelay/pkg/server"
	"github.com/n0ot/sigrelay/pkg/sigrelay"
)

var disableTLS bool

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the sigrelay server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", ":3001", "Bind the websocket server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().String("health-bind", ":8081", "Bind the health check server to host:port")
	viper.BindPFlag("health.bind", startCmd.Flags().Lookup("health-bind"))
	startCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	viper.BindPFlag("server.pingsUntilTimeout", startCmd.Flags().Lookup("pings-until-timeout"))
	startCmd.Flags().Int("id-length", 2, "Number of hex digits in client ids; longer ids are used if short ones run out")
	viper.BindPFlag("server.idLength", startCmd.Flags().Lookup("id-length"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")

	viper.SetDefault("server.maxMessageBytes", server.DefaultMaxMessageBytes)
	viper.SetDefault("server.statsPassword", "")
	viper.SetDefault("tls.useTls", false)
}

func runServer(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	srv := &server.Server{
		Relay:             sigrelay.New(log, sigrelay.UUIDGenerator{}, viper.GetInt("server.idLength")),
		TimeBetweenPings:  viper.GetDuration("server.timeBetweenPings") * time.Second,
		PingsUntilTimeout: viper.GetInt("server.pingsUntilTimeout"),
		MaxMessageBytes:   viper.GetInt64("server.maxMessageBytes"),
		StatsPassword:     viper.GetString("server.statsPassword"),
		Log:               log,
	}

	bindAddr := viper.GetString("server.bind")
	healthAddr := viper.GetString("health.bind")
	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))
	useTLS := viper.GetBool("tls.useTls") && !disableTLS

	log.Info("Starting sigrelay")
	go func() {
		var err error
		if useTLS {
			err = srv.ListenAndServeHealthTLS(healthAddr, certFile, keyFile)
		} else {
			err = srv.ListenAndServeHealth(healthAddr)
		}
		log.Fatal(err)
	}()

	if useTLS {
		return srv.ListenAndServeTLS(bindAddr, certFile, keyFile)
	}
	return srv.ListenAndServe(bindAddr)
}
