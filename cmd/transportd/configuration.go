// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/channel"
	"github.com/dtn7/dtn7-transport/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Node      nodeConf
	Logging   logConf
	Server    serverConf
	Client    clientConf
	Admin     adminConf
	Peer      []peerConf
	PeersFile string `toml:"peers-file"`
}

// nodeConf describes the Node-configuration block.
type nodeConf struct {
	Id        uint64
	Keepalive string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// serverConf describes the Server-configuration block. An empty Listen address disables the TCP listener.
type serverConf struct {
	Listen      string
	Memory      int
	AcceptRate  float64 `toml:"accept-rate"`
	AcceptBurst int     `toml:"accept-burst"`
	Echo        bool
}

// clientConf describes the Client-configuration block.
type clientConf struct {
	Capacity       int
	RequestMemory  int    `toml:"request-memory"`
	MessageMemory  int    `toml:"message-memory"`
	ConnectTimeout string `toml:"connect-timeout"`
	Network        string
}

// adminConf describes the Admin-configuration block. An empty Listen address disables the admin HTTP server.
type adminConf struct {
	Listen string
}

// peerConf maps a node to its Endpoint, used for "peer" and within the peers file.
type peerConf struct {
	Node     int
	Endpoint string
}

// parseConfig reads and decodes a TOML-configuration.
func parseConfig(filename string) (conf tomlConfig, err error) {
	_, err = toml.DecodeFile(filename, &conf)
	return
}

// configureLogging sets up logrus based on the Logging-configuration block.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseDuration parses a duration string, falling back to the default for an empty string.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// channelConfig creates the Channel configuration shared by client and server.
func (conf tomlConfig) channelConfig() (channel.Config, error) {
	chanConf := channel.DefaultConfig()
	chanConf.NodeID = conf.Node.Id

	keepalive, err := parseDuration(conf.Node.Keepalive, chanConf.Keepalive)
	if err != nil {
		return chanConf, fmt.Errorf("node.keepalive: %w", err)
	}
	chanConf.Keepalive = keepalive

	return chanConf, nil
}

// clientConfig creates the ClientTransport configuration.
func (conf tomlConfig) clientConfig(reg prometheus.Registerer) (transport.ClientConfig, error) {
	clientConf := transport.DefaultClientConfig()
	clientConf.Registerer = reg

	chanConf, err := conf.channelConfig()
	if err != nil {
		return clientConf, err
	}
	clientConf.Pool.Channel = chanConf

	switch conf.Client.Network {
	case "", "tcp":
		clientConf.Pool.Channel.Dial.Network = channel.TCP
	case "ws", "websocket":
		clientConf.Pool.Channel.Dial.Network = channel.WebSocket
	default:
		return clientConf, fmt.Errorf("unknown client.network %q", conf.Client.Network)
	}

	if conf.Client.Capacity != 0 {
		clientConf.Pool.Capacity = conf.Client.Capacity
	}
	if conf.Client.RequestMemory != 0 {
		clientConf.RequestMemory = conf.Client.RequestMemory
	}
	if conf.Client.MessageMemory != 0 {
		clientConf.MessageMemory = conf.Client.MessageMemory
	}

	if clientConf.Pool.ConnectTimeout, err = parseDuration(conf.Client.ConnectTimeout, clientConf.Pool.ConnectTimeout); err != nil {
		return clientConf, fmt.Errorf("client.connect-timeout: %w", err)
	}

	return clientConf, clientConf.Validate()
}

// serverConfig creates the ServerTransport configuration.
func (conf tomlConfig) serverConfig(reg prometheus.Registerer) (transport.ServerConfig, error) {
	serverConf := transport.DefaultServerConfig()
	serverConf.Registerer = reg
	serverConf.ListenAddress = conf.Server.Listen

	chanConf, err := conf.channelConfig()
	if err != nil {
		return serverConf, err
	}
	chanConf.ReopenOnError = false
	serverConf.Channel = chanConf

	if conf.Server.Memory != 0 {
		serverConf.Memory = conf.Server.Memory
	}
	if conf.Server.AcceptRate != 0 {
		serverConf.AcceptRate = conf.Server.AcceptRate
	}
	if conf.Server.AcceptBurst != 0 {
		serverConf.AcceptBurst = conf.Server.AcceptBurst
	}

	return serverConf, serverConf.Validate()
}

// peers parses the static "peer" blocks.
func (conf tomlConfig) peers() (map[int]address.Endpoint, error) {
	return parsePeers(conf.Peer)
}

func parsePeers(peers []peerConf) (map[int]address.Endpoint, error) {
	endpoints := make(map[int]address.Endpoint, len(peers))
	for _, peer := range peers {
		endpoint, err := address.ParseEndpoint(peer.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", peer.Node, err)
		}
		endpoints[peer.Node] = endpoint
	}
	return endpoints, nil
}
