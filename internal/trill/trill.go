/*
   trill: a lightweight wrapper for Podman/Docker REST API calls
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package trill houses a thin wrapper for communicating with podman
// and Docker via their REST API.
package trill

import (
	"log/slog"

	mobyclient "github.com/moby/moby/client"
)

// Platform mirrors the target platform fields the runtime cares
// about.
type Platform struct {
	Architecture string
	OS           string
}

// A Client holds metadata for communicating with Podman/Docker.
type Client struct {
	ContainerID string
	Platform    Platform
	SocketAddr  string

	mobyClient *mobyclient.Client
	attachResp *mobyclient.HijackedResponse
	isAttached bool
}

// NewClient returns a Client that's set to communicate with
// Podman/Docker via socketAddr (or a discovered socket when
// socketAddr is empty).
func NewClient(socketAddr string) (*Client, error) {
	c := &Client{SocketAddr: getSocketAddr(socketAddr)}

	mobyClient, err := mobyclient.New(mobyclient.WithHost(c.SocketAddr))
	if err != nil {
		return nil, err
	}
	c.mobyClient = mobyClient
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.mobyClient == nil {
		return nil
	}
	slog.Debug("closing client connection", "socket", c.SocketAddr)
	return c.mobyClient.Close()
}
