// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// transportd runs a transport node: a server answering requests, a client connected to its peers and an optional
// admin HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-transport/pkg/admin"
	"github.com/dtn7/dtn7-transport/pkg/transport"
)

// daemon bundles all parts of a running transportd.
type daemon struct {
	client *transport.ClientTransport
	server *transport.ServerTransport
	admin  *http.Server
	peers  *peerWatcher
}

// logMessages is the server's MessageHandler.
func logMessages(_ transport.ServerOutput, remote transport.Remote, payload []byte) bool {
	log.WithFields(log.Fields{
		"remote": remote,
		"size":   len(payload),
	}).Debug("Received message")
	return true
}

// startDaemon creates and starts all parts of the configuration. On an error, already started parts are closed.
func startDaemon(conf tomlConfig) (d *daemon, err error) {
	d = &daemon{}
	defer func() {
		if err != nil {
			_ = d.Close()
			d = nil
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Server
	serverConf, err := conf.serverConfig(reg)
	if err != nil {
		return
	}

	var reqHandler transport.RequestHandler
	if conf.Server.Echo {
		reqHandler = transport.EchoRequestHandler
	}

	if d.server, err = transport.NewServerTransport(serverConf, transport.MessageHandlerFunc(logMessages), reqHandler); err != nil {
		return
	}
	if err = d.server.Start(); err != nil {
		return
	}

	// Client
	clientConf, err := conf.clientConfig(reg)
	if err != nil {
		return
	}
	if d.client, err = transport.NewClientTransport(clientConf); err != nil {
		return
	}

	peers, err := conf.peers()
	if err != nil {
		return
	}
	applyPeers(d.client, nil, peers)

	if conf.PeersFile != "" {
		if d.peers, err = newPeerWatcher(conf.PeersFile, d.client); err != nil {
			return
		}
	}

	// Admin
	if conf.Admin.Listen != "" {
		d.admin = &http.Server{
			Addr:    conf.Admin.Listen,
			Handler: admin.NewAdmin(mux.NewRouter(), reg, d.client, d.server),
		}

		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Admin HTTP server errored")
			}
		}(d.admin)
	}

	log.WithFields(log.Fields{
		"node":   conf.Node.Id,
		"server": d.server.Addr(),
		"admin":  conf.Admin.Listen,
		"peers":  len(peers),
	}).Info("Started transportd")
	return
}

// Close all started parts.
func (d *daemon) Close() error {
	var errs *multierror.Error

	if d.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.admin.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		cancel()
	}
	if d.peers != nil {
		if err := d.peers.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if d.client != nil {
		if err := d.client.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if d.server != nil {
		if err := d.server.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}
	configureLogging(conf.Logging)

	d, err := startDaemon(conf)
	if err != nil {
		log.WithError(err).Fatal("Failed to start transportd")
	}

	waitSigint()
	log.Info("Shutting down..")

	if err := d.Close(); err != nil {
		log.WithError(err).Warn("Shutting down errored")
	}
}
