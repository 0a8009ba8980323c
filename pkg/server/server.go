// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server serves the signaling relay over websockets.
package server

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/sigrelay/pkg/sigrelay"
)

// DefaultMaxMessageBytes is the largest frame a client may send if MaxMessageBytes is unset.
const DefaultMaxMessageBytes = 1 << 20

// Server Contains state for a sigrelay server.
type Server struct {
	// Relay admits clients and routes their messages.
	Relay *sigrelay.Relay

	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be kicked.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// MaxMessageBytes limits the size of frames read from clients.
	MaxMessageBytes int64

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// StatsPassword sets the password for retrieving stats. If empty, stats are disabled.
	StatsPassword string

	Log *logrus.Logger

	upgraderOnce sync.Once
	upgrader     *websocket.Upgrader
}

// ListenAndServe listens for websocket connections on the network, and connects them to the relay.
func (srv *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	listener, err := srv.listenTLS(addr, certFile, keyFile)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// listenTLS listens on addr with the key pair in certFile and keyFile,
// falling back to srv.TLSConfig if they aren't given.
func (srv *Server) listenTLS(addr, certFile, keyFile string) (net.Listener, error) {
	config := srv.TLSConfig
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Wrap(err, "Load X.509 key pair")
		}
		config = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if config == nil {
		return nil, errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, config)
	if err != nil {
		return nil, errors.Wrap(err, "Listen TLS")
	}
	return listener, nil
}

// Serve serves clients the relay on listener.
func (srv *Server) Serve(listener net.Listener) error {
	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
	}).Info("Server started")

	err := http.Serve(listener, srv.Handler())
	return errors.Wrap(err, "Serve")
}

// Handler routes websocket upgrades on any path to the relay.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/*", srv.ServeWS)
	return r
}

func (srv *Server) wsUpgrader() *websocket.Upgrader {
	srv.upgraderOnce.Do(func() {
		srv.upgrader = &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are browsers on any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		}
	})
	return srv.upgrader
}

// ServeWS upgrades a request to a websocket, and relays for it until it disconnects.
func (srv *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := srv.wsUpgrader().Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"error":       err,
		}).Debug("Error upgrading to websocket")
		return
	}
	maxBytes := srv.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	ws.SetReadLimit(maxBytes)

	c := newClient(ws, srv)
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("Error handling client")
		}
		c.stop("Handler exited")
		ws.Close()
		c.log.WithField("reason", c.stoppedReason).Debug("Client exited")
	}()
	go c.writePump()

	conn, err := srv.Relay.Connect(r.URL.Path, c)
	if err != nil {
		return
	}
	defer srv.Relay.Disconnect(conn)

	c.readPump(func(frame []byte) {
		srv.Relay.Receive(conn, frame)
	})
}
