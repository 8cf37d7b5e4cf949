// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package admin

import (
	"github.com/dtn7/dtn7-transport/pkg/pool"
	"github.com/dtn7/dtn7-transport/pkg/transport"
)

// ChannelsResponse describes the Channels of both transports.
type ChannelsResponse struct {
	Client []pool.EntryInfo        `json:"client"`
	Server []transport.ChannelInfo `json:"server"`
}

// EndpointRequest describes a request to map a node to an Endpoint, e.g., {"node": 12, "endpoint": "10.0.0.2:35037"}.
type EndpointRequest struct {
	NodeID   int    `json:"node"`
	Endpoint string `json:"endpoint"`
}

// EndpointResponse is the answer to an EndpointRequest or a removal; an empty Error signals success.
type EndpointResponse struct {
	Error string `json:"error,omitempty"`
}
