// SPDX-License-Identifier: GPL-2.0-only

// Package server exposes the port service over gRPC on a Unix socket.
package server

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

const (
	socketCheckInterval = 1 * time.Second
	restartInterval     = 5 * time.Second
)

// Server runs the gRPC endpoint and restarts it whenever it fails or its
// socket disappears.
type Server struct {
	srv        UsbServer
	socket     string
	grpcServer *grpc.Server
	logger     log.Logger

	// metrics
	restartsTotal prometheus.Counter
}

func New(srv UsbServer, socket string, logger log.Logger, reg prometheus.Registerer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		srv:    srv,
		socket: socket,
		logger: logger,
		restartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbc_server_restarts_total",
			Help: "The number of times that the gRPC server has restarted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.restartsTotal)
	}
	return s
}

// Run serves until the given context is cancelled.
func (s *Server) Run(ctx context.Context) error {
Outer:
	for {
		select {
		case <-ctx.Done():
			break Outer
		default:
			if err := s.runOnce(ctx); err != nil {
				_ = level.Warn(s.logger).Log("msg", "encountered error while serving; trying again in 5 seconds", "err", err)
				select {
				case <-ctx.Done():
					break Outer
				case <-time.After(restartInterval):
					s.restartsTotal.Inc()
				}
			}
		}
	}
	return s.cleanUp()
}

// serve starts the gRPC server and waits for it to be running before
// returning. It returns a function to wait for its completion as well as
// another to interrupt it, for use in a run.Group.
func (s *Server) serve(ctx context.Context) (func() error, func(error), error) {
	if err := s.cleanUp(); err != nil {
		return nil, nil, err
	}
	_ = level.Info(s.logger).Log("msg", "listening on Unix socket", "socket", s.socket)
	l, err := net.Listen("unix", s.socket)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to listen on Unix socket %q", s.socket)
	}

	ch := make(chan error)
	go func() {
		_ = level.Info(s.logger).Log("msg", "starting gRPC server")
		ch <- s.grpcServer.Serve(l)
		close(ch)
	}()
	t := time.NewTimer(100 * time.Millisecond)
	defer t.Stop()
Outer:
	for ctx.Err() == nil {
		for range s.grpcServer.GetServiceInfo() {
			break Outer
		}
		_ = level.Debug(s.logger).Log("msg", "waiting for gRPC server to be ready")
		select {
		case <-ctx.Done():
		case <-t.C:
			t.Reset(100 * time.Millisecond)
		}
	}
	if ctx.Err() != nil {
		s.grpcServer.Stop()
		<-ch
		return nil, nil, ctx.Err()
	}
	return func() error {
			return <-ch
		},
		func(_ error) {
			s.grpcServer.Stop()
			// Drain the channel to clean up.
			<-ch
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				_ = level.Warn(s.logger).Log("msg", "encountered error while closing the listener", "err", err)
			}
		}, nil
}

// runOnce serves until an error is encountered, until the socket is
// removed, or until the context is cancelled.
func (s *Server) runOnce(ctx context.Context) error {
	s.grpcServer = grpc.NewServer()
	RegisterUsbServer(s.grpcServer, s.srv)

	var g run.Group
	{
		// Run the gRPC server.
		execute, interrupt, err := s.serve(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to start gRPC server")
		}
		g.Add(execute, interrupt)
	}

	{
		// Watch the socket.
		t := time.NewTicker(socketCheckInterval)
		ctx, cancel := context.WithCancel(ctx)
		defer t.Stop()
		g.Add(func() error {
			for {
				select {
				case <-t.C:
					if _, err := os.Lstat(s.socket); err != nil {
						return errors.Wrapf(err, "failed to stat socket %q", s.socket)
					}
				case <-ctx.Done():
					return nil
				}
			}
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

func (s *Server) cleanUp() error {
	if err := os.Remove(s.socket); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove socket")
	}
	return nil
}
