// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/channel/internal/wire"
)

// dialConn establishes the connection to an Endpoint according to the DialConfig.
func dialConn(ctx context.Context, endpoint address.Endpoint, conf DialConfig, maxFrameSize uint32) (wire.Conn, error) {
	if !endpoint.IsResolved() {
		return nil, fmt.Errorf("cannot dial unresolved endpoint %v", endpoint)
	}

	ctx, cancel := context.WithTimeout(ctx, conf.Timeout)
	defer cancel()

	switch conf.Network {
	case TCP:
		conn, err := newDialer(conf).DialContext(ctx, "tcp", endpoint.Address())
		if err != nil {
			return nil, err
		}
		return wire.NewStreamConn(conn, maxFrameSize), nil

	case WebSocket:
		u := url.URL{Scheme: "ws", Host: endpoint.Address(), Path: conf.WebSocketPath}

		wsDialer := &websocket.Dialer{
			NetDialContext:   newDialer(conf).DialContext,
			HandshakeTimeout: conf.Timeout,
		}

		conn, resp, err := wsDialer.DialContext(ctx, u.String(), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return wire.NewWebSocketConn(conn, maxFrameSize), nil

	default:
		return nil, fmt.Errorf("unknown network %q", conf.Network)
	}
}

// acceptStream wraps an accepted net.Conn for Accept.
func acceptStream(conn net.Conn, maxFrameSize uint32) wire.Conn {
	return wire.NewStreamConn(conn, maxFrameSize)
}
