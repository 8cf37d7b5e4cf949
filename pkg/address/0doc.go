// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package address resolves logical node identifiers to socket Endpoints.
//
// The Registry maps node IDs to RemoteAddresses, which are managed by an AddressList. Replacing or removing a node's
// Endpoint deactivates its old RemoteAddress instead of deleting it. Thus, in-flight operations holding a reference
// can detect the dead mapping by its Status.
package address
