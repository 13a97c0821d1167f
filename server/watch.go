// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// watchQueueSize bounds the notifications buffered for a slow watcher.
const watchQueueSize = 64

// watcher is the callback registered for one Watch stream. Callbacks are
// invoked under the service's callback lock, so they only ever enqueue.
type watcher struct {
	id     string
	queue  chan Notification
	gone   chan struct{}
	logger log.Logger

	dropped prometheus.Counter
}

func newWatcher(logger log.Logger, dropped prometheus.Counter) *watcher {
	id := uuid.New().String()
	return &watcher{
		id:      id,
		queue:   make(chan Notification, watchQueueSize),
		gone:    make(chan struct{}),
		logger:  log.With(logger, "session", id),
		dropped: dropped,
	}
}

func (w *watcher) push(n Notification) {
	n.Session = w.id
	select {
	case w.queue <- n:
	default:
		w.dropped.Inc()
		_ = level.Warn(w.logger).Log("msg", "watcher queue full, dropping notification", "kind", n.Kind, "txid", n.TxID)
	}
}

func (w *watcher) NotifyPortStatusChange(ports []typec.PortStatus, status typec.Status) {
	w.push(Notification{Kind: KindPortStatus, Ports: ports, Status: status})
}

func (w *watcher) NotifyRoleSwitchStatus(port string, role typec.PortRole, status typec.Status, txID int64) {
	w.push(Notification{Kind: KindRoleSwitch, Port: port, Role: RoleOf(role), Status: status, TxID: txID})
}

func (w *watcher) NotifyEnableUsbDataStatus(port string, enable bool, status typec.Status, txID int64) {
	w.push(Notification{Kind: KindEnableUsbData, Port: port, Enable: enable, Status: status, TxID: txID})
}

func (w *watcher) NotifyEnableUsbDataWhileDockedStatus(port string, status typec.Status, txID int64) {
	w.push(Notification{Kind: KindEnableUsbDataWhileDocked, Port: port, Status: status, TxID: txID})
}

func (w *watcher) NotifyResetUsbPortStatus(port string, status typec.Status, txID int64) {
	w.push(Notification{Kind: KindResetUsbPort, Port: port, Status: status, TxID: txID})
}

func (w *watcher) NotifyContaminantEnabledStatus(port string, enable bool, status typec.Status, txID int64) {
	w.push(Notification{Kind: KindContaminantEnabled, Port: port, Enable: enable, Status: status, TxID: txID})
}

func (w *watcher) NotifyLimitPowerTransferStatus(port string, limit bool, status typec.Status, txID int64) {
	w.push(Notification{Kind: KindLimitPowerTransfer, Port: port, Enable: limit, Status: status, TxID: txID})
}

func (w *watcher) NotifyQueryPortStatus(port string, status typec.Status, txID int64) {
	w.push(Notification{Kind: KindQueryPortStatus, Port: port, Status: status, TxID: txID})
}
