// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"sync"

	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/MatthiasValvekens/usbc-hal/usb"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "usbc.v1.Usb"

// HAL is the port service exposed over gRPC.
type HAL interface {
	SwitchRole(port string, role typec.PortRole, txID int64)
	EnableUsbData(port string, enable bool, txID int64)
	EnableUsbDataWhileDocked(port string, txID int64)
	ResetUsbPort(port string, txID int64)
	EnableContaminantPresenceDetection(port string, enable bool, txID int64)
	LimitPowerTransfer(port string, limit bool, txID int64)
	QueryPortStatus(txID int64)
	SetPortSecurityState(port string, state typec.PortSecurityState) error
	SetCallback(cb usb.Callback) error
}

// UsbServer is the server API of the usbc.v1.Usb service.
type UsbServer interface {
	SwitchRole(context.Context, *SwitchRoleRequest) (*Ack, error)
	EnableUsbData(context.Context, *EnableRequest) (*Ack, error)
	EnableUsbDataWhileDocked(context.Context, *PortRequest) (*Ack, error)
	ResetUsbPort(context.Context, *PortRequest) (*Ack, error)
	EnableContaminantPresenceDetection(context.Context, *EnableRequest) (*Ack, error)
	LimitPowerTransfer(context.Context, *LimitPowerTransferRequest) (*Ack, error)
	QueryPortStatus(context.Context, *QueryPortStatusRequest) (*Ack, error)
	SetPortSecurityState(context.Context, *PortSecurityStateRequest) (*Ack, error)
	Watch(*WatchRequest, grpc.ServerStream) error
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func unary[Req any](name string, call func(UsbServer, context.Context, *Req) (*Ack, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(UsbServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(UsbServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*UsbServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SwitchRole", UsbServer.SwitchRole),
		unary("EnableUsbData", UsbServer.EnableUsbData),
		unary("EnableUsbDataWhileDocked", UsbServer.EnableUsbDataWhileDocked),
		unary("ResetUsbPort", UsbServer.ResetUsbPort),
		unary("EnableContaminantPresenceDetection", UsbServer.EnableContaminantPresenceDetection),
		unary("LimitPowerTransfer", UsbServer.LimitPowerTransfer),
		unary("QueryPortStatus", UsbServer.QueryPortStatus),
		unary("SetPortSecurityState", UsbServer.SetPortSecurityState),
	},
	Streams: []grpc.StreamDesc{{
		StreamName: "Watch",
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(WatchRequest)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(UsbServer).Watch(in, stream)
		},
		ServerStreams: true,
	}},
	Metadata: "usbc/v1/usb",
}

// RegisterUsbServer registers srv with a gRPC server.
func RegisterUsbServer(s grpc.ServiceRegistrar, srv UsbServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Service implements UsbServer on top of a HAL. Only one watcher receives
// notifications; a new Watch call ends the previous one.
type Service struct {
	hal    HAL
	logger log.Logger

	mu      sync.Mutex
	current *watcher

	// metrics
	watchersTotal prometheus.Counter
	droppedTotal  prometheus.Counter
	rejectedTotal prometheus.Counter
}

func NewService(hal HAL, logger log.Logger, reg prometheus.Registerer) *Service {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Service{
		hal:    hal,
		logger: logger,
		watchersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbc_watchers_total",
			Help: "The number of notification streams opened.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbc_dropped_notifications_total",
			Help: "The number of notifications dropped because the watcher fell behind.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbc_rejected_requests_total",
			Help: "The number of requests rejected before reaching the port service.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.watchersTotal, s.droppedTotal, s.rejectedTotal)
	}
	return s
}

func (s *Service) SwitchRole(_ context.Context, req *SwitchRoleRequest) (*Ack, error) {
	role, err := req.Role.PortRole()
	if err != nil {
		s.rejectedTotal.Inc()
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.hal.SwitchRole(req.Port, role, req.TxID)
	return &Ack{}, nil
}

func (s *Service) EnableUsbData(_ context.Context, req *EnableRequest) (*Ack, error) {
	s.hal.EnableUsbData(req.Port, req.Enable, req.TxID)
	return &Ack{}, nil
}

func (s *Service) EnableUsbDataWhileDocked(_ context.Context, req *PortRequest) (*Ack, error) {
	s.hal.EnableUsbDataWhileDocked(req.Port, req.TxID)
	return &Ack{}, nil
}

func (s *Service) ResetUsbPort(_ context.Context, req *PortRequest) (*Ack, error) {
	s.hal.ResetUsbPort(req.Port, req.TxID)
	return &Ack{}, nil
}

func (s *Service) EnableContaminantPresenceDetection(_ context.Context, req *EnableRequest) (*Ack, error) {
	s.hal.EnableContaminantPresenceDetection(req.Port, req.Enable, req.TxID)
	return &Ack{}, nil
}

func (s *Service) LimitPowerTransfer(_ context.Context, req *LimitPowerTransferRequest) (*Ack, error) {
	s.hal.LimitPowerTransfer(req.Port, req.Limit, req.TxID)
	return &Ack{}, nil
}

func (s *Service) QueryPortStatus(_ context.Context, req *QueryPortStatusRequest) (*Ack, error) {
	s.hal.QueryPortStatus(req.TxID)
	return &Ack{}, nil
}

func (s *Service) SetPortSecurityState(_ context.Context, req *PortSecurityStateRequest) (*Ack, error) {
	if err := s.hal.SetPortSecurityState(req.Port, req.State); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Ack{}, nil
}

// Watch registers the stream as the service callback and forwards
// notifications until the client goes away or another watcher takes over.
func (s *Service) Watch(_ *WatchRequest, stream grpc.ServerStream) error {
	w := newWatcher(s.logger, s.droppedTotal)
	if err := s.attach(w); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.detach(w)
	s.watchersTotal.Inc()
	_ = level.Info(w.logger).Log("msg", "watcher attached")

	for {
		select {
		case n := <-w.queue:
			if err := stream.SendMsg(&n); err != nil {
				_ = level.Warn(w.logger).Log("msg", "failed to send notification", "err", err)
				return err
			}
		case <-w.gone:
			_ = level.Info(w.logger).Log("msg", "watcher replaced")
			return status.Error(codes.Aborted, "replaced by a newer watcher")
		case <-stream.Context().Done():
			_ = level.Info(w.logger).Log("msg", "watcher left")
			return nil
		}
	}
}

func (s *Service) attach(w *watcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hal.SetCallback(w); err != nil {
		return err
	}
	if s.current != nil {
		close(s.current.gone)
	}
	s.current = w
	return nil
}

func (s *Service) detach(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != w {
		return
	}
	s.current = nil
	if err := s.hal.SetCallback(nil); err != nil {
		_ = level.Warn(s.logger).Log("msg", "failed to clear callback", "err", err)
	}
}
