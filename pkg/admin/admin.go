// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package admin provides an HTTP surface to inspect and steer a running transport.
//
// The following routes are registered on the given router:
//
//	GET    /metrics          Prometheus metrics
//	GET    /channels         pooled client Channels and accepted server Channels
//	GET    /endpoints        node to Endpoint mappings of the client
//	POST   /endpoints        register a node's Endpoint, EndpointRequest as body
//	DELETE /endpoints/{node} remove a node
//	GET    /ws               WebSocket Channels of the server
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/transport"
)

// Admin serves the administrative routes. Both the client and the server transport are optional.
type Admin struct {
	router *mux.Router
	client *transport.ClientTransport
	server *transport.ServerTransport
}

// NewAdmin registers its routes on the router. The gatherer, e.g., a prometheus.Registry, is exposed as /metrics.
func NewAdmin(router *mux.Router, gatherer prometheus.Gatherer,
	client *transport.ClientTransport, server *transport.ServerTransport) *Admin {
	a := &Admin{
		router: router,
		client: client,
		server: server,
	}

	if gatherer != nil {
		a.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	a.router.HandleFunc("/channels", a.handleChannels).Methods(http.MethodGet)

	if client != nil {
		a.router.HandleFunc("/endpoints", a.handleEndpoints).Methods(http.MethodGet)
		a.router.HandleFunc("/endpoints", a.handleRegister).Methods(http.MethodPost)
		a.router.HandleFunc("/endpoints/{node:[0-9]+}", a.handleRemove).Methods(http.MethodDelete)
	}

	if server != nil {
		a.router.Handle("/ws", server)
	}

	return a
}

// ServeHTTP is a http.Handler for all registered routes.
func (a *Admin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write admin response")
	}
}

// handleChannels processes /channels GET requests.
func (a *Admin) handleChannels(w http.ResponseWriter, _ *http.Request) {
	var resp ChannelsResponse

	if a.client != nil {
		resp.Client = a.client.Pool().Snapshot()
	}
	if a.server != nil {
		resp.Server = a.server.Snapshot()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleEndpoints processes /endpoints GET requests.
func (a *Admin) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.client.Registry().Snapshot())
}

// handleRegister processes /endpoints POST requests.
func (a *Admin) handleRegister(w http.ResponseWriter, r *http.Request) {
	var (
		req  EndpointRequest
		resp EndpointResponse
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = err.Error()
	} else if endpoint, err := address.ParseEndpoint(req.Endpoint); err != nil {
		resp.Error = err.Error()
	} else {
		a.client.RegisterEndpoint(req.NodeID, endpoint)
	}

	log.WithFields(log.Fields{
		"request":  req,
		"response": resp,
	}).Info("Processing endpoint registration")

	if resp.Error != "" {
		writeJSON(w, http.StatusBadRequest, resp)
	} else {
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleRemove processes /endpoints/{node} DELETE requests.
func (a *Admin) handleRemove(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.Atoi(mux.Vars(r)["node"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, EndpointResponse{Error: err.Error()})
		return
	}

	if _, ok := a.client.Registry().GetEndpoint(nodeID); !ok {
		writeJSON(w, http.StatusNotFound, EndpointResponse{Error: "unknown node"})
		return
	}

	log.WithField("node", nodeID).Info("Removing endpoint")
	a.client.RemoveEndpoint(nodeID)

	writeJSON(w, http.StatusOK, EndpointResponse{})
}
