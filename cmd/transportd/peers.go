// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/transport"
)

// peersFile describes a TOML file of "peer" blocks, re-read on each change.
type peersFile struct {
	Peer []peerConf
}

func readPeers(filename string) (map[int]address.Endpoint, error) {
	var pf peersFile
	if _, err := toml.DecodeFile(filename, &pf); err != nil {
		return nil, err
	}
	return parsePeers(pf.Peer)
}

// applyPeers registers new or moved nodes and removes vanished ones. The applied peers are returned.
func applyPeers(client *transport.ClientTransport, known, peers map[int]address.Endpoint) map[int]address.Endpoint {
	for nodeID := range known {
		if _, ok := peers[nodeID]; !ok {
			log.WithField("node", nodeID).Info("Peer vanished")
			client.RemoveEndpoint(nodeID)
		}
	}

	for nodeID, endpoint := range peers {
		if previous, ok := known[nodeID]; !ok || previous != endpoint {
			client.RegisterEndpoint(nodeID, endpoint)
		}
	}

	return peers
}

// peerWatcher keeps the client's registry in sync with a peers file.
type peerWatcher struct {
	filename string
	client   *transport.ClientTransport
	watcher  *fsnotify.Watcher
	known    map[int]address.Endpoint

	stopSyn chan struct{}
	stopAck chan struct{}
}

// newPeerWatcher applies the peers file and starts watching it.
func newPeerWatcher(filename string, client *transport.ClientTransport) (pw *peerWatcher, err error) {
	pw = &peerWatcher{
		filename: filepath.Clean(filename),
		client:   client,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	peers, err := readPeers(pw.filename)
	if err != nil {
		return nil, err
	}
	pw.known = applyPeers(client, nil, peers)

	if pw.watcher, err = fsnotify.NewWatcher(); err != nil {
		return nil, err
	}
	// Editors often replace files, so the parent directory is watched.
	if err = pw.watcher.Add(filepath.Dir(pw.filename)); err != nil {
		_ = pw.watcher.Close()
		return nil, err
	}

	go pw.handler()
	return pw, nil
}

func (pw *peerWatcher) handler() {
	defer close(pw.stopAck)

	for {
		select {
		case <-pw.stopSyn:
			return

		case e, ok := <-pw.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if filepath.Clean(e.Name) != pw.filename || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			pw.reload()

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Warn("fsnotify errored")
		}
	}
}

func (pw *peerWatcher) reload() {
	peers, err := readPeers(pw.filename)
	if err != nil {
		log.WithError(err).WithField("file", pw.filename).Warn("Failed to read peers file; keeping the known peers")
		return
	}

	pw.known = applyPeers(pw.client, pw.known, peers)
	log.WithFields(log.Fields{
		"file":  pw.filename,
		"peers": len(peers),
	}).Info("Reloaded peers file")
}

// Close stops watching.
func (pw *peerWatcher) Close() error {
	close(pw.stopSyn)
	err := pw.watcher.Close()
	<-pw.stopAck
	return err
}
