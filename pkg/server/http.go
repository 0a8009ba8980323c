// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/sigrelay/pkg/sigrelay"
)

// StatsPasswordHeader carries the stats password in requests for /stats.
const StatsPasswordHeader = "X-Stats-Password"

// wrongPasswordDelay slows down guessing the stats password.
var wrongPasswordDelay = 5 * time.Second

// ErrorResponse is sent when a stats request fails.
type ErrorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// StatsResponse contains information about the running state of the relay.
type StatsResponse struct {
	Type  string              `json:"type"`
	Stats sigrelay.RelayStats `json:"stats"`
}

// HealthHandler serves the liveness probe on / and relay stats on /stats.
func (srv *Server) HealthHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(srv.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []struct{}{})
	})
	r.Get("/stats", srv.serveStats)
	return r
}

// ListenAndServeHealth serves HealthHandler on addr.
func (srv *Server) ListenAndServeHealth(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen health")
	}
	defer listener.Close()
	return srv.serveHealth(listener, addr, false)
}

// ListenAndServeHealthTLS behaves just like ListenAndServeHealth, but wraps the connection with TLS.
func (srv *Server) ListenAndServeHealthTLS(addr, certFile, keyFile string) error {
	listener, err := srv.listenTLS(addr, certFile, keyFile)
	if err != nil {
		return err
	}
	defer listener.Close()
	return srv.serveHealth(listener, addr, true)
}

func (srv *Server) serveHealth(listener net.Listener, addr string, useTLS bool) error {
	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": useTLS,
	}).Info("Serving health checks")
	err := http.Serve(listener, srv.HealthHandler())
	return errors.Wrap(err, "Serve health")
}

func (srv *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	if srv.StatsPassword == "" {
		http.NotFound(w, r)
		return
	}

	password := r.Header.Get(StatsPasswordHeader)
	if password == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Type: "error", Error: "no password"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(srv.StatsPassword)) != 1 {
		srv.Log.WithField("remote_addr", r.RemoteAddr).Warn("Wrong stats password")
		select {
		case <-time.After(wrongPasswordDelay): // Prevent brute forcing
		case <-r.Context().Done():
			return
		}
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Type: "error", Error: "wrong password"})
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Type:  "stats",
		Stats: srv.Relay.Stats(),
	})
}

// logRequests logs each request once it has been served.
func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			srv.Log.WithFields(logrus.Fields{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration":    time.Since(start),
			}).Info("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
